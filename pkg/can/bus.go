package can

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CanEffFlag uint32 = 0x80000000 // Extended frame format
	CanRtrFlag uint32 = 0x40000000 // Remote transmission request
	CanErrFlag uint32 = 0x20000000 // Error frame
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// MaxDataLength is the payload limit of a classical CAN frame
const MaxDataLength = 8

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// A CAN frame
// ID holds the identifier together with the SocketCAN flag bits
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [MaxDataLength]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Ident returns the identifier without flag bits
func (f *Frame) Ident() uint32 {
	if f.ID&CanEffFlag != 0 {
		return f.ID & CanEffMask
	}
	return f.ID & CanSffMask
}

func (f *Frame) Len() int {
	return int(f.DLC)
}

// Payload returns the meaningful part of Data.
// The returned slice aliases the frame.
func (f *Frame) Payload() []byte {
	n := f.DLC
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

func (f *Frame) IsRemote() bool {
	return f.ID&CanRtrFlag != 0
}

func (f *Frame) IsError() bool {
	return f.ID&CanErrFlag != 0
}

// Validate is used by bus adapters when decoding raw frames
func (f *Frame) Validate() error {
	if f.DLC > MaxDataLength {
		return ErrInvalidLen
	}
	if f.ID&CanEffFlag == 0 && f.ID&^(CanRtrFlag|CanErrFlag) > CanSffMask {
		return ErrInvalidID
	}
	return nil
}

// String renders the frame in candump style, e.g. "181 [2] DE AD"
func (f Frame) String() string {
	var sb strings.Builder
	if f.ID&CanEffFlag != 0 {
		fmt.Fprintf(&sb, "%08X", f.Ident())
	} else {
		fmt.Fprintf(&sb, "%03X", f.Ident())
	}
	fmt.Fprintf(&sb, " [%d]", f.DLC)
	if f.IsRemote() {
		sb.WriteString(" RTR")
		return sb.String()
	}
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " %02X", b)
	}
	return sb.String()
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// An acceptance filter, a frame is accepted when
// frame.ID & Mask == ID & Mask
type Filter struct {
	ID   uint32
	Mask uint32
}

// FilterSetter is implemented by buses that can filter
// frames before they reach the driver (controller or kernel filters)
type FilterSetter interface {
	SetFilters(filters []Filter) error
}

// ErrorCounters as reported by the CAN controller
type ErrorCounters struct {
	TxErrors   uint16
	RxErrors   uint16
	BusOff     bool
	RxOverflow bool
}

// ErrorCounterReader is implemented by buses that expose
// the controller error state
type ErrorCounterReader interface {
	ErrorCounters() (ErrorCounters, error)
}

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Create a new CAN bus with given interface
// Currently supported : socketcan, socketcanv3, virtualcan
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}

// AvailableInterfaces returns the registered interface types
func AvailableInterfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	return names
}
