// Package heartbeat produces the node heartbeat and monitors the
// heartbeat of remote nodes on top of a [canmodule.Module].
package heartbeat

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsamfire/canmodule"
	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/samsamfire/canmodule/pkg/notify"
)

const (
	HeartbeatUnconfigured = 0x00 // Consumer entry inactive
	HeartbeatUnknown      = 0x01 // Consumer enabled, but no heartbeat received yet
	HeartbeatActive       = 0x02 // Heartbeat received within set time
	HeartbeatTimeout      = 0x03 // No heartbeat received for set time
	ServiceId             = 0x700
)

const (
	EventStarted = 0x01
	EventTimeout = 0x02
	EventChanged = 0x03
	EventBoot    = 0x04
)

// States carried by a heartbeat message
const (
	StateInitializing   = 0
	StateStopped        = 4
	StateOperational    = 5
	StatePreOperational = 127
	StateUnknown        = 255
)

var ErrInvalidNodeId = errors.New("heartbeat: invalid node id")

type EventCallback func(event uint8, index uint8, nodeId uint8, nmtState uint8)

type consumerEntry struct {
	nodeId uint8
	index  int

	// Written by the rx handler, published through rxNew
	rxNew   notify.Flag
	rxState uint8

	// Processing context only
	nmtState     uint8
	nmtStatePrev uint8
	hbState      uint8
	lastRx       time.Time
}

// Handle runs in interrupt context
func (entry *consumerEntry) Handle(ctx *irq.Context, frame *can.Frame) {
	if frame.DLC != 1 || entry.rxNew.Read() {
		return
	}
	entry.rxState = frame.Data[0]
	entry.rxNew.Set()
}

type Consumer struct {
	m                       *canmodule.Module
	logger                  *slog.Logger
	timeout                 time.Duration
	entries                 []*consumerEntry
	eventCallback           EventCallback
	allMonitoredActive      bool
	allMonitoredOperational bool
}

// NewConsumer registers one receive entry per monitored node.
// Must be called in configuration mode.
func NewConsumer(m *canmodule.Module, logger *slog.Logger, nodeIds []uint8, timeout time.Duration, callback EventCallback) (*Consumer, error) {
	if m == nil || timeout <= 0 {
		return nil, canmodule.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	consumer := &Consumer{
		m:             m,
		logger:        logger.With("service", "[HB]"),
		timeout:       timeout,
		eventCallback: callback,
	}
	for i, nodeId := range nodeIds {
		if nodeId == 0 || nodeId > 127 {
			return nil, fmt.Errorf("%w : %v", ErrInvalidNodeId, nodeId)
		}
		entry := &consumerEntry{
			nodeId:       nodeId,
			index:        i,
			nmtState:     StateUnknown,
			nmtStatePrev: StateUnknown,
			hbState:      HeartbeatUnknown,
		}
		if _, err := m.Subscribe(ServiceId+uint32(nodeId), 0x7FF, false, entry); err != nil {
			return nil, err
		}
		consumer.entries = append(consumer.entries, entry)
	}
	consumer.logger.Info("monitoring", "nodes", nodeIds, "timeout", timeout)
	return consumer, nil
}

// Process should be called cyclically from the processing context
func (consumer *Consumer) Process(now time.Time) {
	allActive := len(consumer.entries) > 0
	allOperational := len(consumer.entries) > 0
	for _, entry := range consumer.entries {
		if consumer.m.PollNewDataFlag(&entry.rxNew) {
			state := entry.rxState
			consumer.m.ClearFlag(&entry.rxNew)
			consumer.received(entry, state, now)
		} else if entry.hbState == HeartbeatActive && now.Sub(entry.lastRx) > consumer.timeout {
			entry.nmtState = StateUnknown
			entry.nmtStatePrev = StateUnknown
			entry.hbState = HeartbeatTimeout
			consumer.logger.Warn("heartbeat timeout", "node", entry.nodeId, "timeout", consumer.timeout)
			consumer.event(EventTimeout, entry, StateUnknown)
		}
		if entry.hbState != HeartbeatActive {
			allActive = false
		}
		if entry.nmtState != StateOperational {
			allOperational = false
		}
	}
	consumer.allMonitoredActive = allActive
	consumer.allMonitoredOperational = allOperational
}

func (consumer *Consumer) received(entry *consumerEntry, state uint8, now time.Time) {
	entry.nmtState = state
	entry.lastRx = now
	if state == StateInitializing {
		if entry.hbState == HeartbeatActive {
			consumer.logger.Warn("remote reset", "node", entry.nodeId)
		}
		entry.hbState = HeartbeatUnknown
		consumer.event(EventBoot, entry, StateInitializing)
	} else if entry.hbState != HeartbeatActive {
		entry.hbState = HeartbeatActive
		consumer.event(EventStarted, entry, StateInitializing)
	}
	if entry.nmtState != entry.nmtStatePrev {
		consumer.logger.Info("state changed", "node", entry.nodeId, "previous", entry.nmtStatePrev, "state", entry.nmtState)
		consumer.event(EventChanged, entry, entry.nmtState)
		entry.nmtStatePrev = entry.nmtState
	}
}

func (consumer *Consumer) event(event uint8, entry *consumerEntry, state uint8) {
	if consumer.eventCallback != nil {
		consumer.eventCallback(event, uint8(entry.index+1), entry.nodeId, state)
	}
}

// State returns the heartbeat and nmt state of the monitored node at index
func (consumer *Consumer) State(index int) (uint8, uint8, error) {
	if index < 0 || index >= len(consumer.entries) {
		return 0, 0, canmodule.ErrIllegalArgument
	}
	entry := consumer.entries[index]
	return entry.hbState, entry.nmtState, nil
}

func (consumer *Consumer) AllMonitoredActive() bool {
	return consumer.allMonitoredActive
}

func (consumer *Consumer) AllMonitoredOperational() bool {
	return consumer.allMonitoredOperational
}

// Producer sends the node heartbeat from a dedicated transmit slot.
// The first message is a boot-up message.
type Producer struct {
	m       *canmodule.Module
	slot    canmodule.TxHandle
	period  time.Duration
	state   uint8
	booted  bool
	lastTx  time.Time
	overrun uint32
}

func NewProducer(m *canmodule.Module, index int, nodeId uint8, period time.Duration) (*Producer, error) {
	if m == nil || period <= 0 {
		return nil, canmodule.ErrIllegalArgument
	}
	if nodeId == 0 || nodeId > 127 {
		return nil, fmt.Errorf("%w : %v", ErrInvalidNodeId, nodeId)
	}
	slot, err := m.TxBufferInit(index, ServiceId+uint32(nodeId), false, 1, false)
	if err != nil {
		return nil, err
	}
	return &Producer{m: m, slot: slot, period: period, state: StatePreOperational}, nil
}

func (producer *Producer) SetState(state uint8) {
	producer.state = state
}

// Overruns is the number of heartbeats skipped because
// the previous one was still waiting in the slot
func (producer *Producer) Overruns() uint32 {
	return producer.overrun
}

// Process sends the heartbeat when due, from the processing context
func (producer *Producer) Process(now time.Time) error {
	return producer.ProcessFrom(producer.m.Context(), now)
}

// ProcessFrom is Process for another execution context e.g. a timer interrupt
func (producer *Producer) ProcessFrom(ctx *irq.Context, now time.Time) error {
	if producer.booted && now.Sub(producer.lastTx) < producer.period {
		return nil
	}
	frame, err := producer.m.TemplateFrom(ctx, producer.slot)
	if err != nil {
		return err
	}
	frame.Data[0] = StateInitializing
	if producer.booted {
		frame.Data[0] = producer.state
	}
	err = producer.m.SendFrom(ctx, producer.slot, frame)
	if errors.Is(err, canmodule.ErrTxOverflow) {
		producer.overrun++
		producer.lastTx = now
		return nil
	}
	if err != nil {
		return err
	}
	producer.booted = true
	producer.lastTx = now
	return nil
}
