package ifcache

import (
	"fmt"
	"strings"
)

// Type is the logical interface type exposed to the object framework.
type Type int

// Interface types.
const (
	TypeUnknown Type = iota
	TypeL3Port
	TypeL2Port
	TypeLAG
	TypeBridge
	TypeVLANSubIntf
	TypeMACVLAN
	TypeVXLAN
	TypeLoopback
	TypeManagement
)

var typeNames = [...]string{ //nolint:gochecknoglobals // immutable lookup
	TypeUnknown:     "unknown",
	TypeL3Port:      "l3-port",
	TypeL2Port:      "l2-port",
	TypeLAG:         "lag",
	TypeBridge:      "bridge",
	TypeVLANSubIntf: "vlan-subinterface",
	TypeMACVLAN:     "macvlan",
	TypeVXLAN:       "vxlan",
	TypeLoopback:    "loopback",
	TypeManagement:  "management",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}

	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseType maps a type name back to a Type.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range typeNames {
		if candidate == name {
			return Type(i), nil
		}
	}

	return TypeUnknown, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Change classifies how an update differs from the cached record.
type Change int

const (
	// ChangeNone means no tracked field changed.
	ChangeNone Change = iota
	// ChangeAdmin means only the administrative state changed.
	ChangeAdmin
	// ChangeAll means the entry is new or a non-administrative field changed.
	ChangeAll
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangeAdmin:
		return "admin"
	case ChangeAll:
		return "all"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}
