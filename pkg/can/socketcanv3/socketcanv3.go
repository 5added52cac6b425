//go:build linux

package socketcanv3

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"unsafe"

	"github.com/samsamfire/canmodule/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.RegisterInterface("socketcanv3", NewBus)
}

const (
	canFrameSize = 16
	// The maximum number of CAN frames to read at once (batch size)
	msgBatchSize = 64
)

var defaultTimeVal = unix.Timeval{}

func init() {
	// Let go infer the type on startup
	// because these values are architecture dependent
	defaultTimeVal.Usec = 100_000 // 100 ms
}

// CANFrame represents the structure of a CAN frame, matching the C layout.
type CANFrame struct {
	ID   uint32
	Len  uint8
	_    [3]uint8 // Padding
	Data [8]uint8
}

type Bus struct {
	fd         int
	mu         sync.Mutex
	rxCallback can.FrameListener
	counters   can.ErrorCounters
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &defaultTimeVal)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout %v", err)
	}
	// Controller problems and error counters are reported as error frames
	err = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, int(errorFrameMask))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to enable error frames %v", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	socketcan := &Bus{fd: fd, logger: slog.Default().With("bus", "socketcanv3", "channel", channel)}
	return socketcan, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
		b.cancel = nil
	}
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	canFrame := CANFrame{ID: frame.ID, Len: frame.DLC, Data: frame.Data}
	rawData := (*(*[canFrameSize]byte)(unsafe.Pointer(&canFrame)))[:]
	n, err := unix.Write(b.fd, rawData)
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("short write on CAN socket : %v", n)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {

	if err := unix.SetNonblock(b.fd, false); err != nil {
		b.logger.Error("failed to set blocking mode", "err", err)
		return
	}

	frames := make([]CANFrame, msgBatchSize)
	iovecs := make([]unix.Iovec, msgBatchSize)
	mmsgs := make([]Mmsghdr, msgBatchSize)

	for i := 0; i < msgBatchSize; i++ {
		iovecs[i].Base = (*byte)(unsafe.Pointer(&frames[i]))
		iovecs[i].SetLen(canFrameSize)
		mmsgs[i].Hdr.Iov = &iovecs[i]
		mmsgs[i].Hdr.Iovlen = 1
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("exiting CAN bus reception, closed")
			return
		default:

			ts := unix.Timespec{
				Nsec: 10_000_000, // 10ms
			}

			n, _, errno := unix.Syscall6(
				unix.SYS_RECVMMSG,
				uintptr(b.fd),
				uintptr(unsafe.Pointer(&mmsgs[0])),
				uintptr(msgBatchSize),
				0, // Flags: 0 means "Wait for full batch or timeout"
				uintptr(unsafe.Pointer(&ts)),
				0,
			)

			if errno != 0 {
				if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR {
					continue
				}
				b.logger.Error("syscall error", "err", errno)
				return
			}

			nbMsg := int(n)
			if nbMsg == 0 {
				b.logger.Info("socket closed")
				return
			}

			b.mu.Lock()
			rxCallback := b.rxCallback
			b.mu.Unlock()
			for i := 0; i < nbMsg; i++ {
				frame := can.Frame{ID: frames[i].ID, DLC: frames[i].Len, Data: frames[i].Data}
				if frame.IsError() {
					b.handleErrorFrame(frame)
					continue
				}
				if frame.Validate() != nil {
					b.logger.Warn("dropping malformed frame", "id", frame.ID, "dlc", frame.DLC)
					continue
				}
				if rxCallback != nil {
					rxCallback.Handle(frame)
				}
			}
		}
	}
}

func (b *Bus) handleErrorFrame(frame can.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = updateCounters(b.counters, frame)
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// ErrorCounters returns the last counters reported by the controller.
// A reported overflow is only returned once.
func (b *Bus) ErrorCounters() (can.ErrorCounters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counters := b.counters
	b.counters.RxOverflow = false
	return counters, nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (b *Bus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	b.logger.Info("setting option 'CAN_RAW_RECV_OWN_MSGS'", "fd", b.fd, "enabled", enabled)
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Add some filtering to CAN bus
func (b *Bus) SetFilters(filters []can.Filter) error {
	b.logger.Info("setting option 'CAN_RAW_FILTER'", "fd", b.fd, "filters", filters)
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(filters))
}
