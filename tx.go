package canmodule

import (
	"fmt"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	log "github.com/sirupsen/logrus"
)

// TxHandle identifies a slot of the transmit table
type TxHandle int

// Transmit message object, one per kind of outgoing message
type txBuffer struct {
	frame      can.Frame
	bufferFull bool
	syncFlag   bool
	configured bool
	seq        uint32 // incremented on every queued frame
}

// TxBufferInit configures the transmit slot at index.
// Slots with syncFlag set are only released while the synchronous
// window is open.
func (m *Module) TxBufferInit(index int, ident uint32, rtr bool, length uint8, syncFlag bool) (TxHandle, error) {
	if length > can.MaxDataLength {
		return -1, fmt.Errorf("%w : tx length %v", ErrIllegalArgument, length)
	}
	// This is specific to socketcan
	ident &= can.CanSffMask
	if rtr {
		ident |= can.CanRtrFlag
	}
	var err error
	m.atomically(m.main, func() {
		if m.closed {
			err = ErrInvalidState
			return
		}
		if index < 0 || index >= len(m.txArray) {
			err = fmt.Errorf("%w : tx index %v out of range", ErrIllegalArgument, index)
			return
		}
		buffer := &m.txArray[index]
		if buffer.bufferFull {
			m.canTxCount--
		}
		*buffer = txBuffer{
			frame:      can.NewFrame(ident, 0, length),
			syncFlag:   syncFlag,
			configured: true,
			seq:        buffer.seq + 1,
		}
	})
	if err != nil {
		return -1, err
	}
	return TxHandle(index), nil
}

// Template returns the frame configured for a slot, to be filled
// by the producer before calling Send
func (m *Module) Template(handle TxHandle) (can.Frame, error) {
	return m.TemplateFrom(m.main, handle)
}

// TemplateFrom is Template for another execution context,
// interrupt handlers must pass their own context
func (m *Module) TemplateFrom(ctx *irq.Context, handle TxHandle) (can.Frame, error) {
	var frame can.Frame
	var err error
	m.atomically(ctx, func() {
		var buffer *txBuffer
		buffer, err = m.txBuffer(handle)
		if err == nil {
			frame = buffer.frame
			frame.Data = [can.MaxDataLength]byte{}
		}
	})
	return frame, err
}

// Should be called with the ceiling
func (m *Module) txBuffer(handle TxHandle) (*txBuffer, error) {
	if handle < 0 || int(handle) >= len(m.txArray) {
		return nil, fmt.Errorf("%w : tx index %v out of range", ErrIllegalArgument, handle)
	}
	buffer := &m.txArray[handle]
	if !buffer.configured {
		return nil, ErrTxUnconfigured
	}
	return buffer, nil
}

// Send queues frame in the slot from the processing context.
// It fails with [ErrTxOverflow] if the previous frame of the slot
// has not been transmitted yet.
func (m *Module) Send(handle TxHandle, frame can.Frame) error {
	return m.SendFrom(m.main, handle, frame)
}

// SendFrom queues frame from the given execution context. It must not be
// called while ctx is already inside a [PurposeSend] critical section.
func (m *Module) SendFrom(ctx *irq.Context, handle TxHandle, frame can.Frame) error {
	if frame.DLC > can.MaxDataLength {
		return fmt.Errorf("%w : frame length %v", ErrIllegalArgument, frame.DLC)
	}
	guard, err := m.LockFrom(ctx, PurposeSend)
	if err != nil {
		return err
	}
	defer guard.Unlock()

	buffer, err := m.txBuffer(handle)
	if err != nil {
		return err
	}
	if !m.canNormal {
		return ErrInvalidState
	}
	if buffer.bufferFull {
		// Overflows before the first successful transmission are
		// expected, e.g. no other node acknowledges our frames yet
		if !m.firstCANtxMessage {
			m.canErrorStatus |= can.CanErrorTxOverflow
		}
		return ErrTxOverflow
	}
	buffer.frame = frame
	buffer.bufferFull = true
	buffer.seq++
	m.canTxCount++
	return nil
}

// Drain transmits the first pending slot in table order from the
// processing context. It returns the frame handed to the bus, false
// if nothing could be transmitted.
func (m *Module) Drain() (can.Frame, bool) {
	return m.drain(func(fn func()) {
		m.atomically(m.main, fn)
	})
}

// TxInterrupt is the transmit ready interrupt of the peripheral,
// the previous frame has left the mailbox
func (m *Module) TxInterrupt() {
	m.ctrl.Interrupt(m.config.TxPriority, func(isr *irq.Context) {
		m.bufferInhibitFlag = false
	})
	m.drain(func(fn func()) {
		m.ctrl.Interrupt(m.config.TxPriority, func(isr *irq.Context) {
			fn()
		})
	})
}

// The bus is written with the ceiling released, buses may loop
// frames back to the receive interrupt synchronously.
func (m *Module) drain(atomically func(fn func())) (can.Frame, bool) {
	var frame can.Frame
	var seq uint32
	index := -1
	atomically(func() {
		index, seq = m.claimPending(&frame)
	})
	if index < 0 {
		return frame, false
	}
	err := m.bus.Send(frame)
	atomically(func() {
		m.completeHandoff(index, seq, err)
	})
	if err != nil {
		return frame, false
	}
	return frame, true
}

// Find the first slot ready for transmission and reserve the bus.
// Should be called with the ceiling.
func (m *Module) claimPending(frame *can.Frame) (int, uint32) {
	if !m.canNormal || m.txBusy || m.canTxCount == 0 {
		return -1, 0
	}
	for i := range m.txArray {
		buffer := &m.txArray[i]
		if !buffer.bufferFull {
			continue
		}
		if buffer.syncFlag && !m.syncWindowOpen {
			continue
		}
		*frame = buffer.frame
		m.txBusy = true
		return i, buffer.seq
	}
	// Only sync slots are waiting for the window
	if !m.syncWindowOpen {
		return -1, 0
	}
	// Counter is out of sync with the table
	m.canTxCount = 0
	return -1, 0
}

// Should be called with the ceiling
func (m *Module) completeHandoff(index int, seq uint32, err error) {
	m.txBusy = false
	if index >= len(m.txArray) {
		// Module closed during transmission
		return
	}
	buffer := &m.txArray[index]
	if err != nil {
		m.stats.TxFailures++
		if m.firstCANtxMessage {
			log.Debugf("[CAN] first transmission failed, will retry : %v", err)
		} else {
			log.Warnf("[CAN] transmission of %v failed : %v", buffer.frame, err)
		}
		return
	}
	m.stats.TxFrames++
	if m.firstCANtxMessage {
		m.firstCANtxMessage = false
		log.Infof("[CAN] first frame transmitted, bus is alive")
	} else {
		m.bufferInhibitFlag = buffer.syncFlag
	}
	// Slot may have been cleared or refilled while the bus was written
	if buffer.bufferFull && buffer.seq == seq {
		buffer.bufferFull = false
		m.canTxCount--
	}
}

// PendingTx returns the number of slots waiting for transmission.
// Processing context only.
func (m *Module) PendingTx() uint32 {
	var count uint32
	m.atomically(m.main, func() {
		count = m.canTxCount
	})
	return count
}

// IsPending reports whether the slot holds a frame not yet transmitted
func (m *Module) IsPending(handle TxHandle) bool {
	return m.IsPendingFrom(m.main, handle)
}

func (m *Module) IsPendingFrom(ctx *irq.Context, handle TxHandle) bool {
	pending := false
	m.atomically(ctx, func() {
		buffer, err := m.txBuffer(handle)
		pending = err == nil && buffer.bufferFull
	})
	return pending
}

// SetSyncWindow is called when the synchronous window opens or closes.
// Processing context only.
func (m *Module) SetSyncWindow(open bool) {
	m.atomically(m.main, func() {
		m.syncWindowOpen = open
	})
}

func (m *Module) SyncWindowOpen() bool {
	var open bool
	m.atomically(m.main, func() {
		open = m.syncWindowOpen
	})
	return open
}

// ClearPendingSyncPDOs drops synchronous frames that missed the
// synchronous window and flags [can.CanErrorPdoLate].
// It returns the number of frames dropped.
func (m *Module) ClearPendingSyncPDOs() (int, error) {
	deleted := 0
	err := m.WithLock(PurposeSend, func() {
		if m.bufferInhibitFlag {
			// Already on the bus, only reported as late
			m.bufferInhibitFlag = false
			deleted++
		}
		for i := range m.txArray {
			buffer := &m.txArray[i]
			if buffer.bufferFull && buffer.syncFlag {
				buffer.bufferFull = false
				m.canTxCount--
				deleted++
			}
		}
		if deleted > 0 {
			m.canErrorStatus |= can.CanErrorPdoLate
		}
	})
	if deleted > 0 {
		log.Warnf("[CAN] %v synchronous frame(s) outside of window", deleted)
	}
	return deleted, err
}
