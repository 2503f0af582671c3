package capture

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
)

// halSymbols is the fixed set of function pointers a HAL shared object may
// publish, resolved once at load time — the same "fixed symbol table
// checked once" discipline the teacher package uses for its cgo-generated
// ioctl constants, generalized from compile-time constants to runtime
// plugin.Lookup.
type halSymbols struct {
	open             func(devnode string) (uintptr, error)
	close            func(handle uintptr) error
	configureSensor  func(handle uintptr, input int) error
	configureStreams func(handle uintptr, format Format) (Format, error)
	requestBuffers   func(handle uintptr, count int) (int, error)
	queue            func(handle uintptr, slot int) error
	dequeue          func(handle uintptr) (int, error)
	copyFrame        func(handle uintptr, slot int, dst []byte) (int, error)
	start            func(handle uintptr) error
	stop             func(handle uintptr) error
	frameSize        func(format Format) (int, int)
}

type halDevice struct {
	handle uintptr
}

// HALBackend drives physical devices through a vendor-supplied shared
// object resolved via Go's plugin package. Any capability the plugin does
// not export fails with ErrUnsupported rather than panicking, per spec.md
// §4.1's "if a symbol is missing, the operation fails with Unsupported."
type HALBackend struct {
	mu      sync.Mutex
	syms    halSymbols
	devices map[int]*halDevice
}

// LoadHALBackend opens the plugin at soPath and resolves its symbol table.
// Missing optional symbols are recorded as nil and surface ErrUnsupported
// only when the corresponding operation is actually invoked.
func LoadHALBackend(soPath string) (*HALBackend, error) {
	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, &apperrors.BackendError{Op: "hal_load", Transient: false, Err: err}
	}

	b := &HALBackend{devices: make(map[int]*halDevice)}
	lookup := func(name string, into any) {
		sym, err := p.Lookup(name)
		if err != nil {
			return
		}
		switch dst := into.(type) {
		case *func(string) (uintptr, error):
			if f, ok := sym.(func(string) (uintptr, error)); ok {
				*dst = f
			}
		case *func(uintptr) error:
			if f, ok := sym.(func(uintptr) error); ok {
				*dst = f
			}
		case *func(uintptr, int) error:
			if f, ok := sym.(func(uintptr, int) error); ok {
				*dst = f
			}
		case *func(uintptr, Format) (Format, error):
			if f, ok := sym.(func(uintptr, Format) (Format, error)); ok {
				*dst = f
			}
		case *func(uintptr, int) (int, error):
			if f, ok := sym.(func(uintptr, int) (int, error)); ok {
				*dst = f
			}
		case *func(uintptr) (int, error):
			if f, ok := sym.(func(uintptr) (int, error)); ok {
				*dst = f
			}
		case *func(uintptr, int, []byte) (int, error):
			if f, ok := sym.(func(uintptr, int, []byte) (int, error)); ok {
				*dst = f
			}
		case *func(Format) (int, int):
			if f, ok := sym.(func(Format) (int, int)); ok {
				*dst = f
			}
		}
	}

	lookup("Open", &b.syms.open)
	lookup("Close", &b.syms.close)
	lookup("ConfigureSensor", &b.syms.configureSensor)
	lookup("ConfigureStreams", &b.syms.configureStreams)
	lookup("RequestBuffers", &b.syms.requestBuffers)
	lookup("Queue", &b.syms.queue)
	lookup("Dequeue", &b.syms.dequeue)
	lookup("CopyFrame", &b.syms.copyFrame)
	lookup("Start", &b.syms.start)
	lookup("Stop", &b.syms.stop)
	lookup("FrameSize", &b.syms.frameSize)

	return b, nil
}

func (b *HALBackend) device(id int) (*halDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		return nil, fmt.Errorf("hal backend: device %d not open", id)
	}
	return d, nil
}

func (b *HALBackend) Open(id int, devnode string) error {
	if b.syms.open == nil {
		return ErrUnsupported
	}
	handle, err := b.syms.open(devnode)
	if err != nil {
		return &apperrors.BackendError{Device: id, Op: "hal_open", Transient: false, Err: err}
	}
	b.mu.Lock()
	b.devices[id] = &halDevice{handle: handle}
	b.mu.Unlock()
	return nil
}

func (b *HALBackend) Close(id int) error {
	if b.syms.close == nil {
		return ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return err
	}
	if err := b.syms.close(d.handle); err != nil {
		return &apperrors.BackendError{Device: id, Op: "hal_close", Transient: false, Err: err}
	}
	b.mu.Lock()
	delete(b.devices, id)
	b.mu.Unlock()
	return nil
}

func (b *HALBackend) ConfigureSensor(id int, input int) error {
	if b.syms.configureSensor == nil {
		return ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return err
	}
	return b.syms.configureSensor(d.handle, input)
}

func (b *HALBackend) ConfigureStreams(id int, format Format) (Format, error) {
	if b.syms.configureStreams == nil {
		return Format{}, ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return Format{}, err
	}
	return b.syms.configureStreams(d.handle, format)
}

func (b *HALBackend) RequestBuffers(id int, count int) (int, error) {
	if b.syms.requestBuffers == nil {
		return 0, ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return 0, err
	}
	return b.syms.requestBuffers(d.handle, count)
}

func (b *HALBackend) Queue(id int, slot int) error {
	if b.syms.queue == nil {
		return ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return err
	}
	return b.syms.queue(d.handle, slot)
}

func (b *HALBackend) Dequeue(id int) (int, error) {
	if b.syms.dequeue == nil {
		return 0, ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return 0, err
	}
	return b.syms.dequeue(d.handle)
}

func (b *HALBackend) CopyFrame(id int, slot int, dst []byte) (int, error) {
	if b.syms.copyFrame == nil {
		return 0, ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return 0, err
	}
	return b.syms.copyFrame(d.handle, slot, dst)
}

func (b *HALBackend) Start(id int) error {
	if b.syms.start == nil {
		return ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return err
	}
	return b.syms.start(d.handle)
}

func (b *HALBackend) Stop(id int) error {
	if b.syms.stop == nil {
		return ErrUnsupported
	}
	d, err := b.device(id)
	if err != nil {
		return err
	}
	return b.syms.stop(d.handle)
}

func (b *HALBackend) FrameSize(format Format) (int, int) {
	if b.syms.frameSize == nil {
		return 0, 0
	}
	return b.syms.frameSize(format)
}
