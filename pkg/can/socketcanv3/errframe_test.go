//go:build linux

package socketcanv3

import (
	"testing"

	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func errorFrame(class uint32, data ...byte) can.Frame {
	frame := can.Frame{ID: unix.CAN_ERR_FLAG | class, DLC: 8}
	copy(frame.Data[:], data)
	return frame
}

func TestUpdateCountersFromCounterFrame(t *testing.T) {
	counters := updateCounters(can.ErrorCounters{}, errorFrame(errCnt, 0, 0, 0, 0, 0, 0, 100, 12))
	assert.EqualValues(t, 100, counters.TxErrors)
	assert.EqualValues(t, 12, counters.RxErrors)
	assert.False(t, counters.BusOff)
}

func TestUpdateCountersFromControllerState(t *testing.T) {
	counters := updateCounters(can.ErrorCounters{}, errorFrame(errCrtl, 0, crtlTxPassive|crtlRxWarning))
	assert.EqualValues(t, passiveLevel, counters.TxErrors)
	assert.EqualValues(t, warningLevel, counters.RxErrors)

	counters = updateCounters(counters, errorFrame(errCrtl, 0, crtlRxOverflow))
	assert.True(t, counters.RxOverflow)

	counters = updateCounters(counters, errorFrame(errCrtl, 0, crtlActive))
	assert.Less(t, counters.TxErrors, uint16(warningLevel))
	assert.Less(t, counters.RxErrors, uint16(warningLevel))
}

func TestUpdateCountersBusOffAndRestart(t *testing.T) {
	counters := updateCounters(can.ErrorCounters{}, errorFrame(errBusOff))
	assert.True(t, counters.BusOff)
	assert.EqualValues(t, busOffLevel, counters.TxErrors)
	counters = updateCounters(counters, errorFrame(errRestarted))
	assert.Equal(t, can.ErrorCounters{}, counters)
}

func TestKernelFilters(t *testing.T) {
	filters := kernelFilters([]can.Filter{{ID: 0x181, Mask: 0x7FF | can.CanEffFlag | can.CanRtrFlag}})
	assert.Equal(t, []unix.CanFilter{{Id: 0x181, Mask: 0x7FF | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG}}, filters)
}
