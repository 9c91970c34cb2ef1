package nltest

import (
	"net"
	"syscall"
	"testing"

	mnl "github.com/mdlayher/netlink"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Link describes an ifinfomsg frame. Zero-valued attributes are omitted.
type Link struct {
	Family uint8
	Index  int32
	Flags  uint32
	Name   string
	MTU    uint32
	MAC    net.HardwareAddr
	Master uint32
	Parent uint32
	Kind   string
}

// Payload encodes l as an ifinfomsg header followed by its attributes.
func (l Link) Payload(tb testing.TB) []byte {
	tb.Helper()

	hdr := nl.NewIfInfomsg(int(l.Family))
	hdr.Index = l.Index
	hdr.Flags = l.Flags

	ae := mnl.NewAttributeEncoder()
	if l.Name != "" {
		ae.String(unix.IFLA_IFNAME, l.Name)
	}
	if l.MTU != 0 {
		ae.Uint32(unix.IFLA_MTU, l.MTU)
	}
	if l.MAC != nil {
		ae.Bytes(unix.IFLA_ADDRESS, l.MAC)
	}
	if l.Master != 0 {
		ae.Uint32(unix.IFLA_MASTER, l.Master)
	}
	if l.Parent != 0 {
		ae.Uint32(unix.IFLA_LINK, l.Parent)
	}
	if l.Kind != "" {
		ae.Nested(unix.IFLA_LINKINFO, func(nae *mnl.AttributeEncoder) error {
			nae.String(unix.IFLA_INFO_KIND, l.Kind)

			return nil
		})
	}

	attrs, err := ae.Encode()
	require.NoError(tb, err, "encode link attributes")

	out := make([]byte, 0, unix.SizeofIfInfomsg+len(attrs))
	out = append(out, hdr.Serialize()...)

	return append(out, attrs...)
}

// Message wraps l in a frame of msgType with sequence number seq.
func (l Link) Message(tb testing.TB, msgType uint16, seq uint32) syscall.NetlinkMessage {
	tb.Helper()

	return Frame(msgType, seq, l.Payload(tb))
}

// Frame builds a raw frame.
func Frame(msgType uint16, seq uint32, data []byte) syscall.NetlinkMessage {
	return syscall.NetlinkMessage{
		Header: syscall.NlMsghdr{
			Len:  uint32(unix.NLMSG_HDRLEN + len(data)), //nolint:gosec // test frames are small
			Type: msgType,
			Seq:  seq,
		},
		Data: data,
	}
}

// Done builds an NLMSG_DONE frame.
func Done(seq uint32) syscall.NetlinkMessage {
	return Frame(unix.NLMSG_DONE, seq, make([]byte, 4))
}

// Error builds an NLMSG_ERROR frame carrying errno. A zero errno is an ack.
func Error(seq uint32, errno syscall.Errno) syscall.NetlinkMessage {
	data := make([]byte, 4+unix.SizeofNlMsghdr)
	nl.NativeEndian().PutUint32(data, uint32(-int32(errno))) //nolint:gosec // errno is negated on the wire

	return Frame(unix.NLMSG_ERROR, seq, data)
}

// Requested returns the interface index and type of a link request.
func Requested(req *nl.NetlinkRequest) (int32, uint16) {
	for _, data := range req.Data {
		if msg, ok := data.(*nl.IfInfomsg); ok {
			return msg.Index, req.Type
		}
	}

	return 0, req.Type
}
