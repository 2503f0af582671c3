// Package fanout implements the per-device buffer pool and fan-out state
// machine: each capture buffer moves between Free, InFlight, and
// InUse{subscribers}, and a buffer returns to the hardware exactly once,
// after its last subscriber releases it.
package fanout

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vladimirvivien/camera-broker/internal/metrics"
)

// State is a buffer's position in the fan-out state machine.
type State int

const (
	Free State = iota
	InFlight
	InUse
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case InFlight:
		return "InFlight"
	case InUse:
		return "InUse"
	default:
		return "Unknown"
	}
}

// Buffer is one capture buffer slot in a device's pool. All mutation of a
// Buffer happens under its owning Pool's lock.
type Buffer struct {
	Index       int
	State       State
	Subscribers map[uint64]struct{}
	Sequence    uint64
	Timestamp   time.Time
}

// Pool is the buffer-conservation authority for one device: it holds the
// device's fixed N buffers and is the only place their state changes.
// Callers reach the pool only through the device's buffer-pool lock, never
// acquiring any other lock while holding it, per the broker's lock-ordering
// rule (supervisor -> device registry -> buffer pool -> backend).
type Pool struct {
	mu      sync.Mutex
	device  int
	buffers []*Buffer
}

// NewPool creates a pool of count buffers, all starting Free.
func NewPool(device, count int) *Pool {
	bufs := make([]*Buffer, count)
	for i := range bufs {
		bufs[i] = &Buffer{Index: i, State: Free}
	}
	return &Pool{device: device, buffers: bufs}
}

// Count returns the fixed number of buffers in the pool.
func (p *Pool) Count() int {
	return len(p.buffers)
}

// Snapshot returns a copy of a buffer's current state, for diagnostics and
// tests; it does not mutate the pool.
func (p *Pool) Snapshot(slot int) (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.at(slot)
	if err != nil {
		return Buffer{}, err
	}
	return cloneBuffer(b), nil
}

func (p *Pool) at(slot int) (*Buffer, error) {
	if slot < 0 || slot >= len(p.buffers) {
		return nil, fmt.Errorf("fanout: device %d: slot %d out of range [0,%d)", p.device, slot, len(p.buffers))
	}
	return p.buffers[slot], nil
}

func cloneBuffer(b *Buffer) Buffer {
	subs := make(map[uint64]struct{}, len(b.Subscribers))
	for k := range b.Subscribers {
		subs[k] = struct{}{}
	}
	return Buffer{Index: b.Index, State: b.State, Subscribers: subs, Sequence: b.Sequence, Timestamp: b.Timestamp}
}

// MarkQueued transitions a buffer to InFlight, used both for the initial
// submission of a Free buffer and for re-queueing after the last release.
func (p *Pool) MarkQueued(slot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.at(slot)
	if err != nil {
		return err
	}
	b.State = InFlight
	b.Subscribers = nil
	p.gauge()
	return nil
}

// Dispatch transitions a dequeued buffer from InFlight to InUse, snapshotting
// the given subscriber set. If subscribers is empty the buffer is left
// InFlight (meaning: re-queue immediately, no one to notify) and dispatched
// is false.
func (p *Pool) Dispatch(slot int, subscribers []uint64, sequence uint64) (dispatched bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.at(slot)
	if err != nil {
		return false, err
	}
	b.Sequence = sequence
	b.Timestamp = time.Now()
	if len(subscribers) == 0 {
		return false, nil
	}
	set := make(map[uint64]struct{}, len(subscribers))
	for _, c := range subscribers {
		set[c] = struct{}{}
	}
	b.State = InUse
	b.Subscribers = set
	p.gauge()
	return true, nil
}

// Release removes client from a buffer's subscriber set. It is idempotent
// per (slot, client): releasing an absent client is a logged no-op. When the
// subscriber set becomes empty the buffer transitions to InFlight and
// shouldRequeue is true — the caller must issue exactly one queue call.
func (p *Pool) Release(slot int, client uint64) (shouldRequeue bool, alreadyAbsent bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.at(slot)
	if err != nil {
		return false, false, err
	}
	if b.State != InUse {
		return false, true, nil
	}
	if _, ok := b.Subscribers[client]; !ok {
		return false, true, nil
	}
	delete(b.Subscribers, client)
	if len(b.Subscribers) == 0 {
		b.State = InFlight
		b.Subscribers = nil
		p.gauge()
		return true, false, nil
	}
	return false, false, nil
}

// ReleaseAll removes client from every buffer's subscriber set, used when a
// session disconnects mid-stream. It returns the slots that became empty and
// therefore need exactly one re-queue.
func (p *Pool) ReleaseAll(client uint64) (toRequeue []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.State != InUse {
			continue
		}
		if _, ok := b.Subscribers[client]; !ok {
			continue
		}
		delete(b.Subscribers, client)
		if len(b.Subscribers) == 0 {
			b.State = InFlight
			b.Subscribers = nil
			toRequeue = append(toRequeue, b.Index)
		}
	}
	p.gauge()
	return toRequeue
}

// ResetToFree forces every buffer to Free, clearing subscribers regardless
// of state, used when the last subscriber of a device leaves and the worker
// stops the hardware stream. Buffers stay mapped; the next StreamOn resumes
// by queueing every Free buffer again.
func (p *Pool) ResetToFree() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		b.State = Free
		b.Subscribers = nil
	}
	p.gauge()
}

// FreeSlots returns the indices of every buffer currently Free, used at
// StreamOn to submit the initial batch.
func (p *Pool) FreeSlots() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, b := range p.buffers {
		if b.State == Free {
			out = append(out, b.Index)
		}
	}
	return out
}

// gauge updates the InUse count metric. Must be called with mu held.
func (p *Pool) gauge() {
	n := 0
	for _, b := range p.buffers {
		if b.State == InUse {
			n++
		}
	}
	metrics.BuffersInUse.WithLabelValues(strconv.Itoa(p.device)).Set(float64(n))
}
