// Command camera-broker is the broker process entry point: it loads the
// scenario document, wires logging and metrics, starts the supervisor and
// its device workers, and serves the control protocol until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vladimirvivien/camera-broker/internal/broker"
	"github.com/vladimirvivien/camera-broker/internal/config"
	"github.com/vladimirvivien/camera-broker/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/camera-broker/config.json", "path to the scenario document")
	flag.Parse()

	var portOverride int
	for _, arg := range flag.Args() {
		if after, ok := strings.CutPrefix(arg, "port="); ok {
			n, err := strconv.Atoi(after)
			if err != nil {
				fmt.Fprintf(os.Stderr, "camera-broker: invalid port override %q: %v\n", arg, err)
				os.Exit(2)
			}
			portOverride = n
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camera-broker: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnvOverrides(cfg)
	if portOverride != 0 {
		cfg.CameraManager.Port = portOverride
	}

	if err := logging.Init(cfg.CameraManager.LogLevel, true); err != nil {
		fmt.Fprintf(os.Stderr, "camera-broker: logging init: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	sup, err := broker.NewSupervisor(cfg)
	if err != nil {
		logging.Fatal("supervisor init failed", zap.Error(err))
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.CameraManager.Address, cfg.CameraManager.MetricsPort)
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return sup.ListenAndServe(gctx) })
	group.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logging.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logging.Warn("a broker component exited early", zap.Error(gctx.Err()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), broker.DrainTimeout)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logging.Warn("supervisor shutdown error", zap.Error(err))
	}
	_ = metricsSrv.Close()

	if err := group.Wait(); err != nil {
		logging.Warn("broker exited with error", zap.Error(err))
	}
	logging.Info("camera-broker stopped")
}
