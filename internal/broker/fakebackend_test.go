package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/capture"
)

// fakeBackend is an in-memory capture.Backend used to drive deviceWorker
// tests without a real device or HAL plugin. dequeue is fed externally by
// the test through the ready channel, and like a real backend it gives up
// with a transient error after capture.DequeueTimeout.
type fakeBackend struct {
	mu        sync.Mutex
	opened    map[int]bool
	buffers   map[int]int
	ready     chan int
	queueLog  []int
	startCall int
	stopCall  int
	failNext  error
	failAlways error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		opened:  make(map[int]bool),
		buffers: make(map[int]int),
		ready:   make(chan int, 16),
	}
}

func (b *fakeBackend) Open(id int, devnode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened[id] = true
	return nil
}

func (b *fakeBackend) Close(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.opened, id)
	return nil
}

func (b *fakeBackend) ConfigureSensor(id int, input int) error { return nil }

func (b *fakeBackend) ConfigureStreams(id int, format capture.Format) (capture.Format, error) {
	return format, nil
}

func (b *fakeBackend) RequestBuffers(id int, count int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[id] = count
	return count, nil
}

func (b *fakeBackend) Queue(id int, slot int) error {
	b.mu.Lock()
	b.queueLog = append(b.queueLog, slot)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Dequeue(id int) (int, error) {
	b.mu.Lock()
	if b.failAlways != nil {
		err := b.failAlways
		b.mu.Unlock()
		return 0, err
	}
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		b.mu.Unlock()
		return 0, err
	}
	b.mu.Unlock()
	select {
	case slot, ok := <-b.ready:
		if !ok {
			return 0, &apperrors.BackendError{Op: "dequeue", Transient: false, Err: errors.New("closed")}
		}
		return slot, nil
	case <-time.After(capture.DequeueTimeout):
		return 0, &apperrors.BackendError{Op: "dequeue_wait", Transient: true, Err: errors.New("timed out")}
	}
}

func (b *fakeBackend) CopyFrame(id int, slot int, dst []byte) (int, error) {
	return copy(dst, []byte{byte(slot)}), nil
}

func (b *fakeBackend) Start(id int) error {
	b.mu.Lock()
	b.startCall++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Stop(id int) error {
	b.mu.Lock()
	b.stopCall++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) FrameSize(format capture.Format) (int, int) { return 4096, 2 }
