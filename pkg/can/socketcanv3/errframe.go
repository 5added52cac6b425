//go:build linux

package socketcanv3

import (
	"github.com/samsamfire/canmodule/pkg/can"
	"golang.org/x/sys/unix"
)

// Error classes from linux/can/error.h
const (
	errCrtl      uint32 = 0x00000004
	errBusOff    uint32 = 0x00000040
	errRestarted uint32 = 0x00000100
	errCnt       uint32 = 0x00000200

	errorFrameMask = errCrtl | errBusOff | errRestarted | errCnt
)

// Controller status, data[1] of a controller error frame
const (
	crtlRxOverflow uint8 = 0x01
	crtlTxOverflow uint8 = 0x02
	crtlRxWarning  uint8 = 0x04
	crtlTxWarning  uint8 = 0x08
	crtlRxPassive  uint8 = 0x10
	crtlTxPassive  uint8 = 0x20
	crtlActive     uint8 = 0x40
)

const (
	warningLevel = 96
	passiveLevel = 128
	busOffLevel  = 256
)

// Apply an error frame to the current counters
func updateCounters(counters can.ErrorCounters, frame can.Frame) can.ErrorCounters {
	class := frame.ID & unix.CAN_ERR_MASK
	if class&errCnt != 0 {
		counters.TxErrors = uint16(frame.Data[6])
		counters.RxErrors = uint16(frame.Data[7])
	}
	if class&errCrtl != 0 {
		status := frame.Data[1]
		if status&(crtlRxOverflow|crtlTxOverflow) != 0 {
			counters.RxOverflow = true
		}
		if class&errCnt == 0 {
			// No counters in the frame, derive them from the state
			counters.TxErrors = atLeast(counters.TxErrors, status, crtlTxWarning, crtlTxPassive)
			counters.RxErrors = atLeast(counters.RxErrors, status, crtlRxWarning, crtlRxPassive)
		}
		if status&crtlActive != 0 && class&errCnt == 0 {
			counters.TxErrors = min(counters.TxErrors, warningLevel-1)
			counters.RxErrors = min(counters.RxErrors, warningLevel-1)
		}
	}
	if class&errBusOff != 0 {
		counters.BusOff = true
		counters.TxErrors = busOffLevel
	}
	if class&errRestarted != 0 {
		counters.BusOff = false
		counters.TxErrors = 0
		counters.RxErrors = 0
	}
	return counters
}

func atLeast(counter uint16, status uint8, warning uint8, passive uint8) uint16 {
	if status&passive != 0 {
		return max(counter, passiveLevel)
	}
	if status&warning != 0 {
		return max(counter, warningLevel)
	}
	return counter
}

func kernelFilters(filters []can.Filter) []unix.CanFilter {
	kernel := make([]unix.CanFilter, len(filters))
	for i, filter := range filters {
		kernel[i] = unix.CanFilter{Id: filter.ID, Mask: filter.Mask}
	}
	return kernel
}
