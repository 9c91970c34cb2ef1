package classify

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/netutil"
	"github.com/jkoelker/linkbridged/pkg/object"
)

// MTUOverhead is added to the kernel MTU before it is published.
const MTUOverhead = 32

// KindBond is the kernel link kind of bonding devices.
const KindBond = "bond"

//nolint:gochecknoglobals // read-only tables
var (
	kindTypes = map[string]ifcache.Type{
		"tun":     ifcache.TypeL3Port,
		KindBond:  ifcache.TypeLAG,
		"bridge":  ifcache.TypeBridge,
		"vlan":    ifcache.TypeVLANSubIntf,
		"macvlan": ifcache.TypeMACVLAN,
		"vxlan":   ifcache.TypeVXLAN,
		"dummy":   ifcache.TypeLoopback,
	}

	reservedPrefixes = []string{"eth", "mgmt", "veth-", "vdef-"}

	retainedOnDelete = mapset.NewThreadUnsafeSet(
		ifcache.TypeL2Port,
		ifcache.TypeLAG,
		ifcache.TypeMACVLAN,
	)

	memberStripped = mapset.NewThreadUnsafeSet(
		object.AttrMTU,
		object.AttrPhysAddress,
		object.AttrName,
		object.AttrEnabled,
		object.AttrIfIndex,
	)
)

// TypeForKind maps a kernel link kind to an interface type.
func TypeForKind(kind string) (ifcache.Type, bool) {
	typ, ok := kindTypes[kind]

	return typ, ok
}

// IsReserved reports whether events for name are always published, even when
// nothing tracked changed.
func IsReserved(name string) bool {
	return netutil.HasNamePrefix(name, reservedPrefixes...)
}
