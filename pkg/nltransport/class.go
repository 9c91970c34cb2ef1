package nltransport

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Class selects the kind of rtnetlink traffic a socket carries.
type Class int

// Socket classes.
const (
	ClassInterface Class = iota
	ClassNeighbor
	ClassRoute
	ClassNetconf
	ClassMcastSnoop
)

// Receive buffer sizes per class.
const (
	InterfaceBufferSize = 60 << 20
	NeighborBufferSize  = 150 << 20
	RouteBufferSize     = 250 << 20
	NetconfBufferSize   = 1 << 20
)

var classNames = map[Class]string{ //nolint:gochecknoglobals // immutable lookup
	ClassInterface:  "interface",
	ClassNeighbor:   "neighbor",
	ClassRoute:      "route",
	ClassNetconf:    "netconf",
	ClassMcastSnoop: "mcast_snoop",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}

	return fmt.Sprintf("class(%d)", int(c))
}

// ParseClass maps a configured class name to a Class.
func ParseClass(name string) (Class, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for class, candidate := range classNames {
		if candidate == name {
			return class, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownClass, name)
}

// BufferSize is the receive buffer applied to sockets of this class.
func (c Class) BufferSize() int {
	switch c {
	case ClassNeighbor:
		return NeighborBufferSize
	case ClassRoute:
		return RouteBufferSize
	case ClassNetconf:
		return NetconfBufferSize
	case ClassInterface, ClassMcastSnoop:
		return InterfaceBufferSize
	default:
		return InterfaceBufferSize
	}
}

// Groups returns the rtnetlink multicast groups joined by subscription
// sockets of this class.
func (c Class) Groups() []uint {
	switch c {
	case ClassInterface:
		return []uint{unix.RTNLGRP_LINK}
	case ClassNeighbor:
		return []uint{unix.RTNLGRP_NEIGH}
	case ClassRoute:
		return []uint{unix.RTNLGRP_IPV4_ROUTE, unix.RTNLGRP_IPV6_ROUTE}
	case ClassNetconf:
		return []uint{unix.RTNLGRP_IPV4_NETCONF, unix.RTNLGRP_IPV6_NETCONF}
	case ClassMcastSnoop:
		return []uint{unix.RTNLGRP_MDB}
	default:
		return nil
	}
}
