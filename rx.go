package canmodule

import (
	"fmt"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
)

// RxHandler receives frames from interrupt context.
// frame is only valid for the duration of the call, anything needed
// later must be copied out. Handlers run with interrupts masked and
// must use ctx to enter critical sections.
type RxHandler interface {
	Handle(ctx *irq.Context, frame *can.Frame)
}

// RxHandlerFunc adapts a function to RxHandler
type RxHandlerFunc func(ctx *irq.Context, frame *can.Frame)

func (f RxHandlerFunc) Handle(ctx *irq.Context, frame *can.Frame) {
	f(ctx, frame)
}

// RxHandle identifies an entry of the receive table
type RxHandle int

// Received message object
type rxBuffer struct {
	ident   uint32
	mask    uint32
	handler RxHandler
}

func (b *rxBuffer) matches(frame *can.Frame) bool {
	return b.handler != nil && (frame.ID^b.ident)&b.mask == 0
}

func normalizeRx(ident uint32, mask uint32, rtr bool) (uint32, uint32) {
	ident &= can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	mask = (mask & can.CanSffMask) | can.CanEffFlag | can.CanRtrFlag
	return ident, mask
}

// RxBufferInit configures the receive entry at index.
// A frame is accepted by the entry if its identifier matches ident
// on every bit of mask. Only possible in configuration mode.
func (m *Module) RxBufferInit(index int, ident uint32, mask uint32, rtr bool, handler RxHandler) error {
	if handler == nil {
		return fmt.Errorf("%w : rx buffer needs a handler", ErrIllegalArgument)
	}
	var err error
	m.atomically(m.main, func() {
		err = m.setRxBuffer(index, ident, mask, rtr, handler)
	})
	return err
}

// Subscribe registers handler in the first free entry of the receive table.
// Entries are dispatched in table order.
func (m *Module) Subscribe(ident uint32, mask uint32, rtr bool, handler RxHandler) (RxHandle, error) {
	if handler == nil {
		return -1, fmt.Errorf("%w : rx buffer needs a handler", ErrIllegalArgument)
	}
	index := -1
	var err error
	m.atomically(m.main, func() {
		for i := range m.rxArray {
			if m.rxArray[i].handler == nil {
				index = i
				break
			}
		}
		if index < 0 {
			err = ErrRxTableFull
			return
		}
		err = m.setRxBuffer(index, ident, mask, rtr, handler)
	})
	if err != nil {
		return -1, err
	}
	return RxHandle(index), nil
}

func (m *Module) setRxBuffer(index int, ident uint32, mask uint32, rtr bool, handler RxHandler) error {
	if m.closed || m.rxFrozen {
		return ErrInvalidState
	}
	if index < 0 || index >= len(m.rxArray) {
		return fmt.Errorf("%w : rx index %v out of range", ErrIllegalArgument, index)
	}
	buffer := &m.rxArray[index]
	buffer.ident, buffer.mask = normalizeRx(ident, mask, rtr)
	buffer.handler = handler
	return nil
}

// ResetRx removes every receive entry, only possible in configuration mode
func (m *Module) ResetRx() error {
	var err error
	m.atomically(m.main, func() {
		if m.closed || m.rxFrozen {
			err = ErrInvalidState
			return
		}
		clear(m.rxArray)
	})
	return err
}

// Filters matching the receive table, should be called with the ceiling
func (m *Module) rxFilters() []can.Filter {
	filters := make([]can.Filter, 0, len(m.rxArray))
	for _, buffer := range m.rxArray {
		if buffer.handler == nil {
			continue
		}
		filters = append(filters, can.Filter{ID: buffer.ident, Mask: buffer.mask})
	}
	return filters
}

// Dispatch frame to every matching entry, in table order
func (m *Module) rxInterrupt(isr *irq.Context, frame *can.Frame) {
	if !m.canNormal {
		return
	}
	m.stats.RxFrames++
	matched := false
	for i := range m.rxArray {
		buffer := &m.rxArray[i]
		if buffer.matches(frame) {
			matched = true
			// Callback for the specific object (PDO, SDO, NMT, HB, etc)
			buffer.handler.Handle(isr, frame)
		}
	}
	if !matched {
		m.stats.RxDropped++
	}
}
