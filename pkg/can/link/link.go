//go:build linux

// Package link brings SocketCAN network interfaces up and down
// and configures their bitrate over rtnetlink.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// IFLA_CAN_BITTIMING from linux/can/netlink.h
const iflaCanBittiming = 1

var ErrInvalidBitrate = errors.New("link: invalid bitrate")

type Link struct {
	name  string
	index int
}

// Open looks up a network interface by name e.g. can0
func Open(name string) (*Link, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return &Link{name: name, index: iface.Index}, nil
}

func (l *Link) Name() string {
	return l.name
}

// IsUp reports whether the interface is administratively up
func (l *Link) IsUp() (bool, error) {
	iface, err := net.InterfaceByIndex(l.index)
	if err != nil {
		return false, err
	}
	return iface.Flags&net.FlagUp != 0, nil
}

func (l *Link) SetUp() error {
	if err := l.execute(upRequest(l.index, true)); err != nil {
		return fmt.Errorf("couldn't set link up: %w", err)
	}
	return nil
}

func (l *Link) SetDown() error {
	if err := l.execute(upRequest(l.index, false)); err != nil {
		return fmt.Errorf("couldn't set link down: %w", err)
	}
	return nil
}

// SetBitrate configures the nominal bitrate, the kernel computes
// the bit timing. The link must be down.
func (l *Link) SetBitrate(bitrate int) error {
	req, err := bitrateRequest(l.index, bitrate)
	if err != nil {
		return err
	}
	if err := l.execute(req); err != nil {
		return fmt.Errorf("couldn't set bitrate %v: %w", bitrate, err)
	}
	return nil
}

func (l *Link) execute(req netlink.Message) error {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{})
	if err != nil {
		return fmt.Errorf("couldn't dial netlink socket: %w", err)
	}
	defer c.Close()
	res, err := c.Execute(req)
	if err != nil {
		return err
	}
	if len(res) > 1 {
		return fmt.Errorf("expected 1 message, got %d", len(res))
	}
	return nil
}

func upRequest(index int, up bool) netlink.Message {
	ifi := ifInfoMsg{Index: int32(index), Change: unix.IFF_UP}
	if up {
		ifi.Flags = unix.IFF_UP
	}
	return newRequest(ifi.marshalBinary())
}

func bitrateRequest(index int, bitrate int) (netlink.Message, error) {
	if bitrate <= 0 {
		return netlink.Message{}, ErrInvalidBitrate
	}
	// struct can_bittiming, only bitrate is set
	bittiming := make([]byte, 8*4)
	binary.NativeEndian.PutUint32(bittiming, uint32(bitrate))

	ae := netlink.NewAttributeEncoder()
	ae.Nested(unix.IFLA_LINKINFO, func(nae *netlink.AttributeEncoder) error {
		nae.String(unix.IFLA_INFO_KIND, "can")
		nae.Nested(unix.IFLA_INFO_DATA, func(dae *netlink.AttributeEncoder) error {
			dae.Bytes(iflaCanBittiming, bittiming)
			return nil
		})
		return nil
	})
	attrs, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	ifi := ifInfoMsg{Index: int32(index)}
	return newRequest(append(ifi.marshalBinary(), attrs...)), nil
}

func newRequest(data []byte) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{
			Flags: netlink.Request | netlink.Acknowledge,
			Type:  unix.RTM_NEWLINK,
		},
		Data: data,
	}
}

type ifInfoMsg unix.IfInfomsg

func (ifi *ifInfoMsg) marshalBinary() []byte {
	buf := make([]byte, 2, unix.SizeofIfInfomsg)
	buf[0] = ifi.Family
	buf[1] = 0 // reserved
	buf = binary.NativeEndian.AppendUint16(buf, ifi.Type)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(ifi.Index))
	buf = binary.NativeEndian.AppendUint32(buf, ifi.Flags)
	buf = binary.NativeEndian.AppendUint32(buf, ifi.Change)
	return buf
}
