//go:build linux

package link

import (
	"encoding/binary"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUpRequest(t *testing.T) {
	req := upRequest(7, true)
	assert.Equal(t, netlink.HeaderType(unix.RTM_NEWLINK), req.Header.Type)
	assert.Equal(t, netlink.Request|netlink.Acknowledge, req.Header.Flags)
	require.Len(t, req.Data, unix.SizeofIfInfomsg)
	assert.EqualValues(t, 7, binary.NativeEndian.Uint32(req.Data[4:8]))
	assert.EqualValues(t, unix.IFF_UP, binary.NativeEndian.Uint32(req.Data[8:12]))
	assert.EqualValues(t, unix.IFF_UP, binary.NativeEndian.Uint32(req.Data[12:16]))

	req = upRequest(7, false)
	assert.EqualValues(t, 0, binary.NativeEndian.Uint32(req.Data[8:12]))
	assert.EqualValues(t, unix.IFF_UP, binary.NativeEndian.Uint32(req.Data[12:16]))
}

func TestBitrateRequest(t *testing.T) {
	_, err := bitrateRequest(3, 0)
	assert.ErrorIs(t, err, ErrInvalidBitrate)

	req, err := bitrateRequest(3, 500_000)
	require.Nil(t, err)
	attrs, err := netlink.NewAttributeDecoder(req.Data[unix.SizeofIfInfomsg:])
	require.Nil(t, err)
	kind := ""
	bitrate := uint32(0)
	for attrs.Next() {
		if attrs.Type() != unix.IFLA_LINKINFO {
			continue
		}
		attrs.Nested(func(info *netlink.AttributeDecoder) error {
			for info.Next() {
				switch info.Type() {
				case unix.IFLA_INFO_KIND:
					kind = info.String()
				case unix.IFLA_INFO_DATA:
					info.Nested(func(data *netlink.AttributeDecoder) error {
						for data.Next() {
							if data.Type() == iflaCanBittiming {
								bitrate = binary.NativeEndian.Uint32(data.Bytes())
							}
						}
						return nil
					})
				}
			}
			return nil
		})
	}
	require.Nil(t, attrs.Err())
	assert.Equal(t, "can", kind)
	assert.EqualValues(t, 500_000, bitrate)
}
