package can

import "strings"

// ErrorStatus is a bit field of CAN bus errors
type ErrorStatus uint16

// CAN bus errors
const (
	CanErrorTxWarning   ErrorStatus = 0x0001 // CAN transmitter warning
	CanErrorTxPassive   ErrorStatus = 0x0002 // CAN transmitter passive
	CanErrorTxBusOff    ErrorStatus = 0x0004 // CAN transmitter bus off
	CanErrorTxOverflow  ErrorStatus = 0x0008 // CAN transmitter overflow
	CanErrorPdoLate     ErrorStatus = 0x0080 // TPDO is outside sync window
	CanErrorRxWarning   ErrorStatus = 0x0100 // CAN receiver warning
	CanErrorRxPassive   ErrorStatus = 0x0200 // CAN receiver passive
	CanErrorRxOverflow  ErrorStatus = 0x0800 // CAN receiver overflow
	CanErrorWarnPassive ErrorStatus = 0x0303 // Combination
)

var errorStatusNames = []struct {
	bit  ErrorStatus
	name string
}{
	{CanErrorTxWarning, "tx warning"},
	{CanErrorTxPassive, "tx passive"},
	{CanErrorTxBusOff, "tx bus off"},
	{CanErrorTxOverflow, "tx overflow"},
	{CanErrorPdoLate, "pdo late"},
	{CanErrorRxWarning, "rx warning"},
	{CanErrorRxPassive, "rx passive"},
	{CanErrorRxOverflow, "rx overflow"},
}

func (s ErrorStatus) Has(bits ErrorStatus) bool {
	return s&bits == bits
}

func (s ErrorStatus) String() string {
	if s == 0 {
		return "ok"
	}
	names := make([]string, 0, 2)
	for _, e := range errorStatusNames {
		if s&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, "|")
}
