package canmodule

import (
	"errors"
	"sync"
	"testing"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/stretchr/testify/require"
)

var errBusDown = errors.New("bus down")

// In memory bus used by the module tests
type fakeBus struct {
	mu        sync.Mutex
	listener  can.FrameListener
	sent      []can.Frame
	filters   []can.Filter
	counters  can.ErrorCounters
	failSend  bool
	loopback  bool
	connected bool
	// Called when filters are programmed, outside of the bus lock
	onSetFilters func()
	filterErr    error
}

func (b *fakeBus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *fakeBus) Send(frame can.Frame) error {
	b.mu.Lock()
	if b.failSend {
		b.mu.Unlock()
		return errBusDown
	}
	b.sent = append(b.sent, frame)
	listener := b.listener
	loopback := b.loopback
	b.mu.Unlock()
	if loopback && listener != nil {
		listener.Handle(frame)
	}
	return nil
}

func (b *fakeBus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *fakeBus) SetFilters(filters []can.Filter) error {
	b.mu.Lock()
	hook := b.onSetFilters
	err := b.filterErr
	if err == nil {
		b.filters = filters
	}
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (b *fakeBus) ErrorCounters() (can.ErrorCounters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters, nil
}

// Simulate the reception of a frame by the peripheral
func (b *fakeBus) receive(frame can.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	listener.Handle(frame)
}

func (b *fakeBus) sentFrames() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}

func (b *fakeBus) setFailSend(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSend = fail
}

func (b *fakeBus) setCounters(counters can.ErrorCounters) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = counters
}

// Records every dispatched frame, with the entry that received it
type recorder struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	entry string
	frame can.Frame
}

func (r *recorder) handler(entry string) RxHandler {
	return RxHandlerFunc(func(ctx *irq.Context, frame *can.Frame) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call{entry: entry, frame: *frame})
	})
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		entries = append(entries, c.entry)
	}
	return entries
}

func newTestModule(t *testing.T, config Config) (*Module, *fakeBus) {
	t.Helper()
	ctrl, err := irq.NewController(irq.DefaultConfig())
	require.Nil(t, err)
	bus := &fakeBus{}
	m, err := New(bus, ctrl, config)
	require.Nil(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, bus
}

func frameWithData(id uint32, data ...byte) can.Frame {
	frame := can.NewFrame(id, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	return frame
}
