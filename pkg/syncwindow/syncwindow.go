// Package syncwindow consumes SYNC messages and gates synchronous
// transmit slots of a [canmodule.Module] to the synchronous window.
package syncwindow

import (
	"errors"
	"fmt"
	"log/slog"
	s "sync"
	"time"

	"github.com/samsamfire/canmodule"
	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/samsamfire/canmodule/pkg/notify"
)

var ErrLength = errors.New("sync: unexpected SYNC length")

type Consumer struct {
	m      *canmodule.Module
	logger *slog.Logger
	cobId  uint32
	handle canmodule.RxHandle

	// Written by the rx handler, published through rxNew
	rxNew   notify.Flag
	rxDLC   uint8
	rxCount uint8

	// Processing context only
	windowLength time.Duration
	counter      uint8
	rxToggle     bool
	windowOpen   bool
	lastSync     time.Time
	lengthErrors uint32
	latePDOs     uint32

	subMu       s.Mutex
	subscribers []chan uint8
}

// New registers a SYNC consumer on the module receive table.
// windowLength 0 means no synchronous window, sync slots are never held back.
// Must be called in configuration mode.
func New(m *canmodule.Module, logger *slog.Logger, cobId uint32, windowLength time.Duration) (*Consumer, error) {
	if m == nil || cobId > can.CanSffMask || windowLength < 0 {
		return nil, canmodule.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	sync := &Consumer{
		m:            m,
		logger:       logger.With("service", "[SYNC]"),
		cobId:        cobId,
		windowLength: windowLength,
	}
	handle, err := m.Subscribe(cobId, 0x7FF, false, sync)
	if err != nil {
		return nil, err
	}
	sync.handle = handle
	sync.logger.Info("initialization finished", "cobId", fmt.Sprintf("x%x", cobId), "window length", windowLength)
	return sync, nil
}

// Handle runs in interrupt context. A SYNC received while the previous
// one is not consumed yet is dropped.
func (sync *Consumer) Handle(ctx *irq.Context, frame *can.Frame) {
	if sync.rxNew.Read() {
		return
	}
	sync.rxDLC = frame.DLC
	sync.rxCount = frame.Data[0]
	sync.rxNew.Set()
}

// Process should be called cyclically from the processing context.
// It returns true when a new SYNC was consumed.
func (sync *Consumer) Process(now time.Time) bool {
	if sync.m.PollNewDataFlag(&sync.rxNew) {
		dlc := sync.rxDLC
		count := sync.rxCount
		sync.m.ClearFlag(&sync.rxNew)
		if dlc > 1 {
			sync.lengthErrors++
			sync.logger.Warn("reception error", "err", ErrLength, "dlc", dlc)
		} else {
			if dlc == 1 {
				sync.counter = count
			}
			sync.rxToggle = !sync.rxToggle
			sync.lastSync = now
			if !sync.windowOpen {
				sync.windowOpen = true
				sync.m.SetSyncWindow(true)
			}
			sync.notifySubscribers()
			return true
		}
	}
	if sync.windowOpen && sync.windowLength > 0 && now.Sub(sync.lastSync) > sync.windowLength {
		sync.windowOpen = false
		sync.m.SetSyncWindow(false)
		deleted, err := sync.m.ClearPendingSyncPDOs()
		if err != nil {
			sync.logger.Error("failed to clear pending synchronous frames", "err", err)
		} else if deleted > 0 {
			sync.latePDOs += uint32(deleted)
			sync.logger.Warn("synchronous window expired", "deleted", deleted)
		}
	}
	return false
}

// Subscribe returns a channel that receives the sync counter
// on every valid SYNC message
func (sync *Consumer) Subscribe() chan uint8 {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	ch := make(chan uint8, 1)
	sync.subscribers = append(sync.subscribers, ch)
	return ch
}

// Unsubscribe removes the subscriber channel and closes it
func (sync *Consumer) Unsubscribe(ch chan uint8) {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for i, sub := range sync.subscribers {
		if sub == ch {
			sync.subscribers = append(sync.subscribers[:i], sync.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (sync *Consumer) notifySubscribers() {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for _, ch := range sync.subscribers {
		select {
		case ch <- sync.counter:
		default:
			// Channel full, drop event
		}
	}
}

func (sync *Consumer) Counter() uint8 {
	return sync.counter
}

func (sync *Consumer) RxToggle() bool {
	return sync.rxToggle
}

func (sync *Consumer) WindowOpen() bool {
	return sync.windowOpen
}

func (sync *Consumer) LengthErrors() uint32 {
	return sync.lengthErrors
}

// LatePDOs is the number of synchronous frames dropped
// because the window expired before they were sent
func (sync *Consumer) LatePDOs() uint32 {
	return sync.latePDOs
}
