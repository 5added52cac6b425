package canmodule

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrTxUnconfigured  = errors.New("transmit buffer was not configured properly")
	ErrTxBusy          = errors.New("sending rejected because driver is busy. Try again")
	ErrInvalidState    = errors.New("driver not ready")
	ErrRxTableFull     = errors.New("no free entry in receive table")
	ErrCriticalReentry = errors.New("critical section already entered for this purpose")
	ErrCriticalNotHeld = errors.New("critical section not entered for this purpose")
)
