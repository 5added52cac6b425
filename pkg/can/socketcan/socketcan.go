package socketcan

import (
	"log/slog"
	"sync"

	sockcan "github.com/brutella/can"
	"github.com/samsamfire/canmodule/pkg/can"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	logger     *slog.Logger
	mu         sync.Mutex
	rxCallback can.FrameListener
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.Warn("reception stopped", "err", err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	return socketcan.bus.Publish(toSockcan(frame))
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	socketcan.mu.Lock()
	defer socketcan.mu.Unlock()
	first := socketcan.rxCallback == nil
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	if first {
		socketcan.bus.Subscribe(socketcan)
	}
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	socketcan.mu.Lock()
	rxCallback := socketcan.rxCallback
	socketcan.mu.Unlock()
	converted := fromSockcan(frame)
	if rxCallback == nil || converted.Validate() != nil {
		return
	}
	rxCallback.Handle(converted)
}

func toSockcan(frame can.Frame) sockcan.Frame {
	return sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	}
}

func fromSockcan(frame sockcan.Frame) can.Frame {
	return can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data}
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus, logger: slog.Default().With("bus", "socketcan", "channel", name)}, nil
}
