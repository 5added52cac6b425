package canmodule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	"github.com/samsamfire/canmodule/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfiguration(t *testing.T) {
	ctrl, err := irq.NewController(irq.DefaultConfig())
	require.Nil(t, err)

	_, err = New(nil, ctrl, DefaultConfig())
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = New(&fakeBus{}, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrIllegalArgument)

	config := DefaultConfig()
	config.RxSize = 0
	_, err = New(&fakeBus{}, ctrl, config)
	assert.ErrorIs(t, err, ErrIllegalArgument)

	config = DefaultConfig()
	config.TimerPriority = 3
	_, err = New(&fakeBus{}, ctrl, config)
	assert.ErrorIs(t, err, irq.ErrUnmaskablePriority)

	bus := &fakeBus{}
	m, err := New(bus, ctrl, DefaultConfig())
	assert.Nil(t, err)
	assert.Equal(t, m, bus.listener)
	assert.False(t, m.IsNormal())
	assert.Equal(t, DefaultRxSize, m.RxSize())
	assert.Equal(t, DefaultTxSize, m.TxSize())
}

func TestNewDataFlagFromHandler(t *testing.T) {
	m, bus := newTestModule(t, DefaultConfig())
	var rxNew notify.Flag
	var data [8]byte
	_, err := m.Subscribe(0x601, 0x7FF, false, RxHandlerFunc(func(ctx *irq.Context, frame *can.Frame) {
		if rxNew.Read() {
			return
		}
		data = frame.Data
		rxNew.Set()
	}))
	require.Nil(t, err)
	require.Nil(t, m.SetNormalMode())

	assert.False(t, m.PollNewDataFlag(&rxNew))
	bus.receive(frameWithData(0x601, 0x40, 0x00, 0x10))
	assert.True(t, m.PollNewDataFlag(&rxNew))
	assert.EqualValues(t, 0x40, data[0])

	// Not consumed yet, the handler keeps the first payload
	bus.receive(frameWithData(0x601, 0x23))
	assert.EqualValues(t, 0x40, data[0])

	m.ClearFlag(&rxNew)
	assert.False(t, m.PollNewDataFlag(&rxNew))
	bus.receive(frameWithData(0x601, 0x23))
	assert.True(t, m.PollNewDataFlag(&rxNew))
	assert.EqualValues(t, 0x23, data[0])
}

func TestErrorStatusFromCounters(t *testing.T) {
	m, bus := newNormalModule(t)
	assert.Equal(t, can.ErrorStatus(0), m.ErrorStatus())

	bus.setCounters(can.ErrorCounters{TxErrors: 100, RxErrors: 10})
	m.Process()
	assert.Equal(t, can.CanErrorTxWarning, m.ErrorStatus())

	bus.setCounters(can.ErrorCounters{TxErrors: 130, RxErrors: 130})
	m.Process()
	assert.Equal(t, can.CanErrorWarnPassive, m.ErrorStatus())

	bus.setCounters(can.ErrorCounters{TxErrors: 256, RxErrors: 130})
	m.Process()
	assert.True(t, m.ErrorStatus().Has(can.CanErrorTxBusOff))

	// Recovered
	bus.setCounters(can.ErrorCounters{})
	m.Process()
	assert.Equal(t, can.ErrorStatus(0), m.ErrorStatus())

	bus.setCounters(can.ErrorCounters{RxOverflow: true})
	m.Process()
	assert.True(t, m.ErrorStatus().Has(can.CanErrorRxOverflow))
}

func TestNextErrorStatusClearsOverflowWhenActive(t *testing.T) {
	status := can.CanErrorTxOverflow | can.CanErrorTxPassive | can.CanErrorTxWarning
	status = nextErrorStatus(status, can.ErrorCounters{TxErrors: 130})
	assert.True(t, status.Has(can.CanErrorTxOverflow))
	status = nextErrorStatus(status, can.ErrorCounters{TxErrors: 10})
	assert.Equal(t, can.ErrorStatus(0), status)
}

func TestReportErrorStatusFromInterrupt(t *testing.T) {
	m, _ := newNormalModule(t)
	m.ctrl.Interrupt(m.config.RxPriority, func(isr *irq.Context) {
		m.ReportErrorStatus(isr, can.CanErrorRxOverflow)
	})
	assert.True(t, m.ErrorStatus().Has(can.CanErrorRxOverflow))
}

func TestTimerRunsAsInterrupt(t *testing.T) {
	m, _ := newNormalModule(t)
	var ticks atomic.Int32
	timer := m.NewTimer(time.Millisecond, func(isr *irq.Context) {
		assert.True(t, isr.Raised())
		ticks.Add(1)
	})
	timer.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, ticks.Load(), int32(0))
	// Close stops the timer
	assert.Nil(t, m.Close())
	stopped := ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, ticks.Load())
}

func TestClose(t *testing.T) {
	m, bus := newNormalModule(t)
	rec := &recorder{}
	require.Nil(t, bus.Connect())
	m.SetConfigurationMode()
	_, err := m.Subscribe(0x181, 0x7FF, false, rec.handler("a"))
	require.Nil(t, err)
	slot, err := m.TxBufferInit(0, 0x181, false, 1, false)
	require.Nil(t, err)
	require.Nil(t, m.SetNormalMode())
	require.Nil(t, m.Send(slot, frameWithData(0x181, 1)))

	assert.Nil(t, m.Close())
	assert.False(t, bus.connected)
	assert.False(t, m.IsNormal())

	// Late interrupts are ignored
	bus.receive(frameWithData(0x181))
	assert.Empty(t, rec.entries())
	_, ok := m.Drain()
	assert.False(t, ok)
	assert.ErrorIs(t, m.SetNormalMode(), ErrInvalidState)
	_, err = m.Subscribe(0x181, 0x7FF, false, rec.handler("a"))
	assert.Error(t, err)
	_, err = m.TxBufferInit(0, 0x181, false, 1, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}
