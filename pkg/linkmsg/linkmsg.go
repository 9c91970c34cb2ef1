// Package linkmsg decodes rtnetlink link messages into attribute tables.
package linkmsg

import (
	"errors"
	"fmt"
	"net"

	mnl "github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/netutil"
)

var (
	// ErrShortMessage is returned when a payload cannot hold an ifinfomsg header.
	ErrShortMessage = errors.New("message shorter than ifinfomsg header")

	// ErrMalformed is returned when the attribute stream cannot be parsed.
	ErrMalformed = errors.New("malformed link attributes")
)

// AttrTable holds attribute payloads keyed by attribute type. Later
// duplicates replace earlier ones.
type AttrTable map[uint16][]byte

// Has reports whether id was present.
func (t AttrTable) Has(id uint16) bool {
	_, ok := t[id]

	return ok
}

// Bytes returns the raw payload for id.
func (t AttrTable) Bytes(id uint16) ([]byte, bool) {
	b, ok := t[id]

	return b, ok
}

// Uint32 returns id as a native-endian uint32. Payloads of the wrong size
// are treated as absent.
func (t AttrTable) Uint32(id uint16) (uint32, bool) {
	b, ok := t[id]
	if !ok || len(b) != 4 {
		return 0, false
	}

	return nlenc.Uint32(b), true
}

// String returns id as a string with trailing NULs removed.
func (t AttrTable) String(id uint16) (string, bool) {
	b, ok := t[id]
	if !ok {
		return "", false
	}

	return nlenc.String(b), true
}

// HardwareAddr returns id as a hardware address. Empty payloads are absent.
func (t AttrTable) HardwareAddr(id uint16) (net.HardwareAddr, bool) {
	b, ok := t[id]
	if !ok || len(b) == 0 {
		return nil, false
	}

	return netutil.CloneAddr(net.HardwareAddr(b)), true
}

// Event is a decoded link message.
type Event struct {
	Type     uint16
	VRFID    uint32
	Family   uint8
	Index    uint32
	Flags    uint32
	Change   uint32
	Attrs    AttrTable
	LinkInfo AttrTable
}

// IsLinkMessage reports whether msgType carries an ifinfomsg payload.
func IsLinkMessage(msgType uint16) bool {
	switch msgType {
	case unix.RTM_NEWLINK, unix.RTM_DELLINK, unix.RTM_GETLINK, unix.RTM_SETLINK:
		return true
	default:
		return false
	}
}

// Decode parses a link message payload received in the namespace of vrfID.
func Decode(msgType uint16, data []byte, vrfID uint32) (*Event, error) {
	if len(data) < unix.SizeofIfInfomsg {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(data))
	}

	hdr := nl.DeserializeIfInfomsg(data)

	attrs, err := parseAttrs(data[unix.SizeofIfInfomsg:])
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Type:     msgType,
		VRFID:    vrfID,
		Family:   hdr.Family,
		Index:    uint32(hdr.Index), //nolint:gosec // kernel indices are positive
		Flags:    hdr.Flags,
		Change:   hdr.Change,
		Attrs:    attrs,
		LinkInfo: AttrTable{},
	}

	if nested, ok := attrs[unix.IFLA_LINKINFO]; ok {
		info, err := parseAttrs(nested)
		if err != nil {
			return nil, fmt.Errorf("link info: %w", err)
		}

		ev.LinkInfo = info
	}

	return ev, nil
}

// Kind returns the IFLA_INFO_KIND of the link, if any.
func (e *Event) Kind() (string, bool) {
	return e.LinkInfo.String(unix.IFLA_INFO_KIND)
}

// Master returns the IFLA_MASTER index, if any.
func (e *Event) Master() (uint32, bool) {
	return e.Attrs.Uint32(unix.IFLA_MASTER)
}

// Name returns the IFLA_IFNAME of the link, if any.
func (e *Event) Name() (string, bool) {
	return e.Attrs.String(unix.IFLA_IFNAME)
}

func parseAttrs(b []byte) (AttrTable, error) {
	table := make(AttrTable)
	if len(b) == 0 {
		return table, nil
	}

	ad, err := mnl.NewAttributeDecoder(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	for ad.Next() {
		table[ad.Type()] = ad.Bytes()
	}

	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return table, nil
}
