package canmodule

import (
	"github.com/samsamfire/canmodule/pkg/can"
	"github.com/samsamfire/canmodule/pkg/irq"
	log "github.com/sirupsen/logrus"
)

const (
	errorWarningLimit = 96
	errorPassiveLimit = 128
	errorBusOffLimit  = 256
)

// ErrorStatus returns the current CAN error status bits.
// Processing context only, handlers use ReportErrorStatus.
func (m *Module) ErrorStatus() can.ErrorStatus {
	var status can.ErrorStatus
	m.atomically(m.main, func() {
		status = m.canErrorStatus
	})
	return status
}

// ReportErrorStatus merges bits reported by the peripheral
// collaborator, e.g. from an error interrupt
func (m *Module) ReportErrorStatus(ctx *irq.Context, bits can.ErrorStatus) {
	m.atomically(ctx, func() {
		m.canErrorStatus |= bits
	})
}

// Read the controller error counters and update the status bits
// when they changed since the last call
func (m *Module) updateErrorStatus() {
	reader, ok := m.bus.(can.ErrorCounterReader)
	if !ok {
		return
	}
	counters, err := reader.ErrorCounters()
	if err != nil {
		log.Debugf("[CAN] failed to read error counters : %v", err)
		return
	}
	errNew := uint32(counters.TxErrors)<<16 | uint32(counters.RxErrors)<<8
	if counters.BusOff {
		errNew |= 0x01
	}
	if counters.RxOverflow {
		errNew |= 0x02
	}
	var status, previous can.ErrorStatus
	changed := false
	m.atomically(m.main, func() {
		if m.errOld == errNew {
			return
		}
		m.errOld = errNew
		previous = m.canErrorStatus
		status = nextErrorStatus(previous, counters)
		m.canErrorStatus = status
		changed = true
	})
	if changed && status != previous {
		log.Infof("[CAN] error status changed %v => %v (tx errors %v, rx errors %v)",
			previous, status, counters.TxErrors, counters.RxErrors)
	}
}

func nextErrorStatus(status can.ErrorStatus, counters can.ErrorCounters) can.ErrorStatus {
	if counters.BusOff || counters.TxErrors >= errorBusOffLimit {
		status |= can.CanErrorTxBusOff
	} else {
		status &^= can.CanErrorTxBusOff | can.CanErrorWarnPassive
		if counters.RxErrors >= errorPassiveLimit {
			status |= can.CanErrorRxWarning | can.CanErrorRxPassive
		} else if counters.RxErrors >= errorWarningLimit {
			status |= can.CanErrorRxWarning
		}
		if counters.TxErrors >= errorPassiveLimit {
			status |= can.CanErrorTxWarning | can.CanErrorTxPassive
		} else if counters.TxErrors >= errorWarningLimit {
			status |= can.CanErrorTxWarning
		}
		if status&can.CanErrorTxPassive == 0 {
			status &^= can.CanErrorTxOverflow
		}
	}
	if counters.RxOverflow {
		status |= can.CanErrorRxOverflow
	}
	return status
}
