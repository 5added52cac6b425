// Package canmodule holds the driver state of one CAN interface :
// the receive and transmit tables, the bus error status and the
// critical sections shared between interrupt handlers and the
// processing loop.
//
// Frames received on the bus are dispatched from interrupt context
// to every matching receive entry. Frames to be sent are queued in
// transmit slots from the processing context and drained onto the
// bus from [Module.Process] or [Module.TxInterrupt].
//
// Methods without a context argument run as the processing context and
// must not be called from an interrupt handler, the handler already holds
// the ceiling. Handlers use the ...From variants with their own context.
package canmodule

import (
	"fmt"
	"time"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/samsamfire/canmodule/pkg/notify"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRxSize        = 32
	DefaultTxSize        = 32
	DefaultRxPriority    = irq.Priority(14)
	DefaultTxPriority    = irq.Priority(14)
	DefaultTimerPriority = irq.Priority(15)
)

type Config struct {
	RxSize        int  // Number of receive entries
	TxSize        int  // Number of transmit slots
	UseRxFilters  bool // Program bus filters from the receive table if supported
	RxPriority    irq.Priority
	TxPriority    irq.Priority
	TimerPriority irq.Priority
}

func DefaultConfig() Config {
	return Config{
		RxSize:        DefaultRxSize,
		TxSize:        DefaultTxSize,
		RxPriority:    DefaultRxPriority,
		TxPriority:    DefaultTxPriority,
		TimerPriority: DefaultTimerPriority,
	}
}

// Stats are counters updated by the module
type Stats struct {
	RxFrames   uint32 // Frames received in normal mode
	RxDropped  uint32 // Frames without any matching receive entry
	TxFrames   uint32 // Frames handed to the bus
	TxFailures uint32 // Failed hand-offs
}

// Module is the state of one CAN interface.
// Everything below is guarded by the interrupt ceiling.
type Module struct {
	bus    can.Bus
	ctrl   *irq.Controller
	main   *irq.Context
	config Config
	timers []*irq.Timer

	rxArray []rxBuffer
	txArray []txBuffer

	canErrorStatus    can.ErrorStatus
	canNormal         bool
	rxFrozen          bool // no rx changes, set before filters are computed
	useCANrxFilters   bool
	bufferInhibitFlag bool
	firstCANtxMessage bool
	canTxCount        uint32
	errOld            uint32
	syncWindowOpen    bool
	txBusy            bool
	closed            bool
	stats             Stats

	locks [purposeCount]lockSlot
}

// New creates the module state for bus. Interrupt lines of the
// configuration are checked against the controller ceiling, an
// inconsistent configuration is a startup error.
// The module starts in configuration mode.
func New(bus can.Bus, ctrl *irq.Controller, config Config) (*Module, error) {
	if bus == nil || ctrl == nil {
		return nil, ErrIllegalArgument
	}
	if config.RxSize <= 0 || config.TxSize <= 0 {
		return nil, fmt.Errorf("%w : rx size %v, tx size %v", ErrIllegalArgument, config.RxSize, config.TxSize)
	}
	lines := []struct {
		name     string
		priority irq.Priority
	}{
		{"rx", config.RxPriority},
		{"tx", config.TxPriority},
		{"timer", config.TimerPriority},
	}
	for _, line := range lines {
		if err := ctrl.CheckLine(line.name, line.priority); err != nil {
			return nil, err
		}
	}
	m := &Module{
		bus:            bus,
		ctrl:           ctrl,
		main:           ctrl.NewContext("main"),
		config:         config,
		rxArray:        make([]rxBuffer, config.RxSize),
		txArray:        make([]txBuffer, config.TxSize),
		syncWindowOpen: true,
	}
	if err := bus.Subscribe(m); err != nil {
		return nil, fmt.Errorf("subscribing to bus : %w", err)
	}
	log.Debugf("[CAN] module created, %v rx entries, %v tx slots", config.RxSize, config.TxSize)
	return m, nil
}

func (m *Module) Bus() can.Bus {
	return m.bus
}

func (m *Module) Controller() *irq.Controller {
	return m.ctrl
}

// Context of the processing loop
func (m *Module) Context() *irq.Context {
	return m.main
}

func (m *Module) RxSize() int {
	return m.config.RxSize
}

func (m *Module) TxSize() int {
	return m.config.TxSize
}

// SetConfigurationMode stops frame reception and transmission,
// receive entries and transmit slots can then be configured again
func (m *Module) SetConfigurationMode() {
	m.atomically(m.main, func() {
		m.canNormal = false
		m.rxFrozen = false
	})
	log.Debug("[CAN] configuration mode")
}

// SetNormalMode is the "bus is in normal mode" transition.
// The receive table is frozen and, if configured, programmed
// as bus filters.
func (m *Module) SetNormalMode() error {
	var filters []can.Filter
	var closed bool
	m.atomically(m.main, func() {
		closed = m.closed
		if closed {
			return
		}
		m.rxFrozen = true
		filters = m.rxFilters()
	})
	if closed {
		return ErrInvalidState
	}
	useFilters := false
	if m.config.UseRxFilters {
		setter, ok := m.bus.(can.FilterSetter)
		if !ok {
			log.Warn("[CAN] bus does not support rx filters, filtering in software only")
		} else if err := setter.SetFilters(filters); err != nil {
			m.atomically(m.main, func() {
				m.rxFrozen = m.canNormal
			})
			return fmt.Errorf("setting rx filters : %w", err)
		} else {
			useFilters = true
		}
	}
	m.atomically(m.main, func() {
		m.useCANrxFilters = useFilters
		m.canNormal = true
		m.firstCANtxMessage = true
		m.bufferInhibitFlag = false
	})
	log.Infof("[CAN] normal mode, %v rx filters programmed", len(filters))
	return nil
}

func (m *Module) IsNormal() bool {
	var normal bool
	m.atomically(m.main, func() {
		normal = m.canNormal
	})
	return normal
}

// UsingRxFilters reports whether the bus filters frames for us
func (m *Module) UsingRxFilters() bool {
	var used bool
	m.atomically(m.main, func() {
		used = m.useCANrxFilters
	})
	return used
}

func (m *Module) Stats() Stats {
	var stats Stats
	m.atomically(m.main, func() {
		stats = m.stats
	})
	return stats
}

// Handle implements [can.FrameListener], it is the receive
// interrupt of the peripheral
func (m *Module) Handle(frame can.Frame) {
	m.ctrl.Interrupt(m.config.RxPriority, func(isr *irq.Context) {
		m.rxInterrupt(isr, &frame)
	})
}

// Process should be called cyclically from the processing loop.
// It updates the error status and drains pending transmit slots.
func (m *Module) Process() {
	m.updateErrorStatus()
	for {
		if _, ok := m.Drain(); !ok {
			return
		}
	}
}

// NewTimer creates a periodic interrupt on the timer line of
// the module. Timers are stopped when the module is closed.
func (m *Module) NewTimer(period time.Duration, isr func(ctx *irq.Context)) *irq.Timer {
	timer := m.ctrl.NewTimer(m.config.TimerPriority, period, isr)
	m.atomically(m.main, func() {
		m.timers = append(m.timers, timer)
	})
	return timer
}

// PollNewDataFlag reports whether an interrupt handler signaled new data
func (m *Module) PollNewDataFlag(flag *notify.Flag) bool {
	return flag.Read()
}

// ClearFlag acknowledges new data, once it has been consumed
func (m *Module) ClearFlag(flag *notify.Flag) {
	flag.Clear()
}

// Close the module. Interrupts are disabled first, so that no
// handler runs once the tables are released.
func (m *Module) Close() error {
	var timers []*irq.Timer
	m.atomically(m.main, func() {
		m.canNormal = false
		m.closed = true
		timers = m.timers
		m.timers = nil
	})
	for _, timer := range timers {
		timer.Stop()
	}
	err := m.bus.Disconnect()
	m.atomically(m.main, func() {
		m.rxArray = nil
		m.txArray = nil
		m.canTxCount = 0
	})
	log.Debug("[CAN] module closed")
	return err
}
