// Package config loads and validates the broker's JSON scenario document:
// the control-plane listener address, the physical camera table, and one
// logical-camera array per virtual machine name.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/capture"
)

// DriverType names which capture backend a physical camera uses.
type DriverType string

const (
	DriverV4L2 DriverType = "V4L2_INTERFACE"
	DriverHAL  DriverType = "HAL_INTERFACE"
)

// CameraManager is the control-plane listener configuration.
type CameraManager struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MetricsPort int    `json:"metrics_port,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
}

// PhyCamera describes one physical capture device.
type PhyCamera struct {
	ID           int        `json:"id"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Format       string     `json:"format"`
	DriverType   DriverType `json:"driver_type"`
	SensorName   string     `json:"sensor_name,omitempty"`
	Devnode      string     `json:"devnode"`
	NativeDriver string     `json:"native_driver,omitempty"`
}

// PixelFormat resolves the camera's format name to a V4L2 fourcc code.
func (p PhyCamera) PixelFormat() (uint32, error) {
	code, ok := pixelFormatByName[p.Format]
	if !ok {
		return 0, fmt.Errorf("phy_camera %d: unknown format %q", p.ID, p.Format)
	}
	return code, nil
}

// LogicalCamera is one entry in a VM's camera array.
type LogicalCamera struct {
	Camera struct {
		ID     int   `json:"id"`
		PhyID  int   `json:"phy_id"`
		Share  []int `json:"share"`
	} `json:"camera"`
}

// Config is the fully parsed scenario document. VMs holds every top-level
// JSON key other than "camera_manager" and "phy_camera", keyed by VM name.
type Config struct {
	CameraManager CameraManager              `json:"camera_manager"`
	PhyCameras    []PhyCamera                `json:"phy_camera"`
	VMs           map[string][]LogicalCamera `json:"-"`
}

// UnmarshalJSON separates the two fixed top-level keys from the dynamic,
// per-VM-name arrays that make up the rest of the document.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if m, ok := raw["camera_manager"]; ok {
		if err := json.Unmarshal(m, &c.CameraManager); err != nil {
			return fmt.Errorf("camera_manager: %w", err)
		}
		delete(raw, "camera_manager")
	}
	if p, ok := raw["phy_camera"]; ok {
		if err := json.Unmarshal(p, &c.PhyCameras); err != nil {
			return fmt.Errorf("phy_camera: %w", err)
		}
		delete(raw, "phy_camera")
	}

	c.VMs = make(map[string][]LogicalCamera, len(raw))
	for vm, arr := range raw {
		var cams []LogicalCamera
		if err := json.Unmarshal(arr, &cams); err != nil {
			return fmt.Errorf("vm %q: %w", vm, err)
		}
		c.VMs[vm] = cams
	}
	return nil
}

var pixelFormatByName = capture.PixelFormatByName

// Load reads and parses the scenario document at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &apperrors.ConfigError{Path: path, Reason: err.Error()}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &apperrors.ConfigError{Path: path, Reason: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &apperrors.ConfigError{Path: path, Reason: err.Error()}
	}
	return &cfg, nil
}

// Validate checks structural and referential integrity: every logical
// camera's phy_id must name a declared physical camera, format names must
// resolve, and driver types must be recognized.
func (c *Config) Validate() error {
	if c.CameraManager.Port <= 0 {
		return fmt.Errorf("camera_manager.port must be positive")
	}
	if c.CameraManager.Address == "" {
		return fmt.Errorf("camera_manager.address must not be empty")
	}

	byID := make(map[int]PhyCamera, len(c.PhyCameras))
	for _, p := range c.PhyCameras {
		if _, exists := byID[p.ID]; exists {
			return fmt.Errorf("phy_camera: duplicate id %d", p.ID)
		}
		if p.DriverType != DriverV4L2 && p.DriverType != DriverHAL {
			return fmt.Errorf("phy_camera %d: unknown driver_type %q", p.ID, p.DriverType)
		}
		if p.DriverType == DriverHAL && p.NativeDriver == "" {
			return fmt.Errorf("phy_camera %d: native_driver required for HAL_INTERFACE", p.ID)
		}
		if _, err := p.PixelFormat(); err != nil {
			return err
		}
		byID[p.ID] = p
	}

	for vm, cams := range c.VMs {
		for _, lc := range cams {
			if _, ok := byID[lc.Camera.PhyID]; !ok {
				return fmt.Errorf("vm %q: camera %d references unknown phy_id %d", vm, lc.Camera.ID, lc.Camera.PhyID)
			}
		}
	}
	return nil
}

// BufferCount is the fixed per-device buffer count, matching the original
// broker's default of 6.
const BufferCount = 6

// DefaultMetricsPort is used when camera_manager.metrics_port is omitted.
const DefaultMetricsPort = 9000

// DefaultLogLevel is used when camera_manager.log_level is omitted.
const DefaultLogLevel = "info"

// ApplyEnvOverrides overlays CAMERA_BROKER_* environment variables onto cfg,
// matching the teacher pack's "config struct, then env override" layering.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAMERA_BROKER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.CameraManager.Port = port
		}
	}
	if v := os.Getenv("CAMERA_BROKER_METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.CameraManager.MetricsPort = port
		}
	}
	if v := os.Getenv("CAMERA_BROKER_LOG_LEVEL"); v != "" {
		cfg.CameraManager.LogLevel = v
	}
	if cfg.CameraManager.MetricsPort == 0 {
		cfg.CameraManager.MetricsPort = DefaultMetricsPort
	}
	if cfg.CameraManager.LogLevel == "" {
		cfg.CameraManager.LogLevel = DefaultLogLevel
	}
}
