package classify_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/classify"
	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/linkmsg"
	"github.com/jkoelker/linkbridged/pkg/nltransport/nltest"
	"github.com/jkoelker/linkbridged/pkg/object"
	"github.com/jkoelker/linkbridged/pkg/testutil"
	"github.com/jkoelker/linkbridged/pkg/vrf"
)

const (
	up       = uint32(unix.IFF_UP | unix.IFF_RUNNING)
	blueVRF  = uint32(1)
	bridgeIx = 10
)

var portMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x03} //nolint:gochecknoglobals // test fixture

func newClassifier(t *testing.T, cache *ifcache.Cache, opts ...func(*classify.Classifier)) *classify.Classifier {
	t.Helper()

	dir, err := vrf.NewDirectory(vrf.VRF{Name: "default"}, vrf.VRF{Name: "blue", ID: blueVRF, Namespace: "blue"})
	require.NoError(t, err)

	base := []func(*classify.Classifier){classify.WithLogger(testutil.LoggerFromTB(t))}

	return classify.New(cache, dir, append(base, opts...)...)
}

func event(t *testing.T, msgType uint16, vrfID uint32, link nltest.Link) *linkmsg.Event {
	t.Helper()

	ev, err := linkmsg.Decode(msgType, link.Payload(t), vrfID)
	require.NoError(t, err)

	return ev
}

func swp1(flags uint32) nltest.Link {
	return nltest.Link{Index: 3, Flags: flags, Name: "swp1", MTU: 1500, MAC: portMAC}
}

func classify1(t *testing.T, c *classify.Classifier, ev *linkmsg.Event) classify.Decision {
	t.Helper()

	decision, err := c.Classify(ev)
	require.NoError(t, err)

	return decision
}

func TestClassifyNewInterface(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))

	assert.True(t, decision.Publish)
	assert.Equal(t, ifcache.ChangeAll, decision.Change)

	obj := decision.Object
	assert.Equal(t, object.InterfaceKey, obj.Key)
	assert.Equal(t, object.OpCreate, obj.Operation)

	mtu, _ := obj.Uint32(object.AttrMTU)
	assert.Equal(t, uint32(1500+classify.MTUOverhead), mtu, "published mtu carries overhead")

	enabled, _ := obj.Bool(object.AttrEnabled)
	assert.True(t, enabled)

	mac, _ := obj.String(object.AttrPhysAddress)
	assert.Equal(t, portMAC.String(), mac)

	name, _ := obj.String(object.AttrVRFName)
	assert.Equal(t, "default", name)

	typ, _ := obj.Get(object.AttrType)
	assert.Equal(t, ifcache.TypeL3Port, typ)

	rec, ok := cache.Get(3)
	require.True(t, ok, "default vrf events are cached")
	assert.Equal(t, uint32(1500), rec.MTU, "cache keeps the kernel mtu")
}

func TestClassifyIdempotentRepeatIsSuppressed(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))
	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))

	assert.False(t, decision.Publish, "identical repeat is suppressed")
	assert.Equal(t, ifcache.ChangeNone, decision.Change)
	assert.Equal(t, object.OpSet, decision.Object.Operation, "create on cached index becomes set")
}

func TestClassifyReservedNamesAlwaysPublish(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	eth0 := nltest.Link{Index: 2, Flags: up, Name: "eth0", MTU: 1500}
	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, eth0))
	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, eth0))

	assert.True(t, decision.Publish, "eth0 is reserved")
	assert.Equal(t, ifcache.ChangeNone, decision.Change)
}

func TestClassifyUnchangedDeleteStillPublishes(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))
	decision := classify1(t, c, event(t, unix.RTM_DELLINK, 0, swp1(up)))

	assert.True(t, decision.Publish)
	assert.Equal(t, object.OpDelete, decision.Object.Operation)
	assert.False(t, cache.Has(3), "l3 ports are removed on delete")
}

func TestClassifyNonDefaultVRFLeavesCacheAlone(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, blueVRF, swp1(up)))
	assert.True(t, decision.Publish)
	assert.Zero(t, cache.Len(), "non-default vrf must not touch the cache")

	vrfName, _ := decision.Object.String(object.AttrVRFName)
	assert.Equal(t, "blue", vrfName)

	vrfID, _ := decision.Object.Uint32(object.AttrVRFID)
	assert.Equal(t, blueVRF, vrfID)

	decision = classify1(t, c, event(t, unix.RTM_NEWLINK, blueVRF, swp1(up)))
	assert.Equal(t, object.OpCreate, decision.Object.Operation, "no create to set downgrade outside the default vrf")
}

func TestClassifyNonDefaultVRFIgnoresDefaultEntryWithSameIndex(t *testing.T) {
	t.Parallel()

	const greenVRF = uint32(2)

	dir, err := vrf.NewDirectory(vrf.VRF{Name: "default"},
		vrf.VRF{Name: "blue", ID: blueVRF, Namespace: "blue"},
		vrf.VRF{Name: "green", ID: greenVRF, Namespace: "green"},
	)
	require.NoError(t, err)

	cache := ifcache.New()
	c := classify.New(cache, dir, classify.WithLogger(testutil.LoggerFromTB(t)))

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 3, Flags: up, Name: "br3", Kind: "bridge"}))

	before, ok := cache.Get(3)
	require.True(t, ok, "default vrf entry cached")
	require.Equal(t, ifcache.TypeBridge, before.Type)

	for _, vrfID := range []uint32{blueVRF, greenVRF} {
		decision := classify1(t, c, event(t, unix.RTM_NEWLINK, vrfID, swp1(up)))

		assert.True(t, decision.Publish, "vrf %d", vrfID)
		assert.Equal(t, object.OpCreate, decision.Object.Operation, "no create to set downgrade in vrf %d", vrfID)
		assert.Equal(t, ifcache.TypeL3Port, decision.Details.Type, "no cached type fallback in vrf %d", vrfID)

		name, _ := decision.Object.String(object.AttrName)
		assert.Equal(t, "swp1", name, "vrf %d", vrfID)

		got, _ := decision.Object.Uint32(object.AttrVRFID)
		assert.Equal(t, vrfID, got)
	}

	after, ok := cache.Get(3)
	require.True(t, ok, "default vrf entry still cached")
	assert.Equal(t, before, after, "default vrf entry unchanged")
	assert.Equal(t, 1, cache.Len())
}

func TestClassifyUnknownVRF(t *testing.T) {
	t.Parallel()

	c := newClassifier(t, ifcache.New())

	_, err := c.Classify(event(t, unix.RTM_NEWLINK, 42, swp1(up)))
	require.ErrorIs(t, err, classify.ErrLookup)
}

func TestClassifyNilEvent(t *testing.T) {
	t.Parallel()

	_, err := newClassifier(t, ifcache.New()).Classify(nil)
	require.ErrorIs(t, err, classify.ErrNilEvent)
}

func TestClassifyKindTable(t *testing.T) {
	t.Parallel()

	tests := map[string]ifcache.Type{
		"tun":       ifcache.TypeL3Port,
		"bond":      ifcache.TypeLAG,
		"bridge":    ifcache.TypeBridge,
		"macvlan":   ifcache.TypeMACVLAN,
		"vxlan":     ifcache.TypeVXLAN,
		"dummy":     ifcache.TypeLoopback,
		"wireguard": ifcache.TypeL3Port,
	}

	for kind, want := range tests {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			c := newClassifier(t, ifcache.New())
			decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 5, Name: "x", Kind: kind}))
			assert.Equal(t, want, decision.Details.Type)
		})
	}
}

func TestClassifyUnknownKindFallsBackToCachedType(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 7, Name: "bond0", Kind: "bond"}))
	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 7, Flags: up, Name: "bond0"}))

	assert.Equal(t, ifcache.TypeLAG, decision.Details.Type)

	rec, _ := cache.Get(7)
	assert.Equal(t, "bond", rec.OSLinkKind, "kind carried over from the previous record")
}

func TestClassifyDeletionPolicy(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 20, Name: "mv0", Kind: "macvlan"}))
	classify1(t, c, event(t, unix.RTM_DELLINK, 0, nltest.Link{Index: 20, Name: "mv0", Kind: "macvlan"}))
	assert.True(t, cache.Has(20), "macvlan retained on delete")

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 21, Name: "bond0", Kind: "bond"}))
	classify1(t, c, event(t, unix.RTM_DELLINK, 0, nltest.Link{Index: 21, Name: "bond0"}))
	assert.True(t, cache.Has(21), "lag without the bond kind is retained")

	classify1(t, c, event(t, unix.RTM_DELLINK, 0, nltest.Link{Index: 21, Name: "bond0", Kind: "bond"}))
	assert.False(t, cache.Has(21), "bond lag removed")

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 22, Name: "vx0", Kind: "vxlan"}))
	classify1(t, c, event(t, unix.RTM_DELLINK, 0, nltest.Link{Index: 22, Name: "vx0", Kind: "vxlan"}))
	assert.False(t, cache.Has(22), "other types removed")

	_, ok := cache.IndexByName("vx0")
	assert.False(t, ok, "name entry removed with the record")
}

func TestClassifyMembershipRewrite(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: bridgeIx, Flags: up, Name: "br0", Kind: "bridge"}))

	port := swp1(up)
	port.Master = bridgeIx
	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, port))

	require.True(t, decision.Publish)
	assert.Equal(t, ifcache.TypeL2Port, decision.Details.Type)

	obj := decision.Object
	name, _ := obj.String(object.AttrName)
	assert.Equal(t, "br0", name, "record is keyed by the master")

	index, _ := obj.Uint32(object.AttrIfIndex)
	assert.Equal(t, uint32(bridgeIx), index)

	member, _ := obj.Uint32(object.AttrMemberIndex)
	assert.Equal(t, uint32(3), member)

	assert.False(t, obj.Has(object.AttrMTU), "member mtu stripped")
	assert.False(t, obj.Has(object.AttrPhysAddress), "member mac stripped")
	assert.False(t, obj.Has(object.AttrEnabled), "member admin state stripped")

	rec, _ := cache.Get(3)
	assert.Equal(t, ifcache.TypeL2Port, rec.Type)
	assert.Equal(t, uint32(bridgeIx), rec.Master)
	assert.Equal(t, "swp1", rec.Name, "cache keeps the member's own name")
}

func TestClassifyBridgePortRemoval(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: bridgeIx, Name: "br0", Kind: "bridge"}))

	port := swp1(up)
	port.Master = bridgeIx
	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, port))

	port.Family = unix.AF_BRIDGE
	decision := classify1(t, c, event(t, unix.RTM_DELLINK, 0, port))

	assert.True(t, decision.Publish)
	assert.Equal(t, object.OpDelete, decision.Object.Operation)
	name, _ := decision.Object.String(object.AttrName)
	assert.Equal(t, "br0", name)

	rec, ok := cache.Get(3)
	require.True(t, ok, "physical port persists after leaving the bridge")
	assert.Zero(t, rec.Master, "membership cleared")
}

func TestClassifyPortDeleteWithoutMasterKeepsL2Port(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: bridgeIx, Name: "br0", Kind: "bridge"}))

	port := swp1(up)
	port.Master = bridgeIx
	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, port))

	decision := classify1(t, c, event(t, unix.RTM_DELLINK, 0, swp1(up)))

	assert.True(t, decision.Publish)
	assert.Equal(t, object.OpDelete, decision.Object.Operation)
	assert.Equal(t, ifcache.TypeL2Port, decision.Details.Type, "delete keeps the cached l2 type")

	name, _ := decision.Object.String(object.AttrName)
	assert.Equal(t, "br0", name, "removal reported against the bridge")

	rec, ok := cache.Get(3)
	require.True(t, ok, "l2 port persists after delete")
	assert.Equal(t, ifcache.TypeL2Port, rec.Type)
	assert.Zero(t, rec.Master, "membership cleared")
}

func TestClassifyDetachedPortBecomesL3(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: bridgeIx, Name: "br0", Kind: "bridge"}))

	port := swp1(up)
	port.Master = bridgeIx
	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, port))

	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))

	assert.True(t, decision.Publish)
	assert.Equal(t, ifcache.TypeL3Port, decision.Details.Type)
	name, _ := decision.Object.String(object.AttrName)
	assert.Equal(t, "swp1", name)
}

func TestClassifyUnresolvableMaster(t *testing.T) {
	t.Parallel()

	reg := classify.NewRegistry()
	reg.Register(ifcache.TypeL3Port, classify.RefinerFunc(
		func(_ *linkmsg.Event, details *classify.Details, _ *object.Object) error {
			details.Type = ifcache.TypeL2Port

			return nil
		},
	))

	c := newClassifier(t, ifcache.New(), classify.WithRegistry(reg))

	port := swp1(up)
	port.Master = 99
	_, err := c.Classify(event(t, unix.RTM_NEWLINK, 0, port))
	require.ErrorIs(t, err, classify.ErrLookup)

	_, err = c.Classify(event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 4, Name: "swp2"}))
	require.ErrorIs(t, err, classify.ErrLookup, "l2 port without any master")
}

func TestClassifyLAGMemberOfBridgeKeepsOwnName(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: bridgeIx, Name: "br0", Kind: "bridge"}))
	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0,
		nltest.Link{Index: 30, Name: "bond0", Kind: "bond", Master: bridgeIx}))

	assert.True(t, decision.Publish)
	name, _ := decision.Object.String(object.AttrName)
	assert.Equal(t, "bond0", name)
}

func TestClassifyMasking(t *testing.T) {
	t.Parallel()

	t.Run("masked admin change suppressed", func(t *testing.T) {
		t.Parallel()

		cache := ifcache.New()
		c := newClassifier(t, cache)
		classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))
		require.True(t, cache.SetSuppressionMask(3, ifcache.ChangeAdmin))

		decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(unix.IFF_RUNNING)))
		assert.Equal(t, ifcache.ChangeAdmin, decision.Change)
		assert.False(t, decision.Publish)
	})

	t.Run("masked other change strips admin", func(t *testing.T) {
		t.Parallel()

		cache := ifcache.New()
		c := newClassifier(t, cache)
		classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))
		require.True(t, cache.SetSuppressionMask(3, ifcache.ChangeAdmin))

		link := swp1(up)
		link.MTU = 9000
		decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, link))
		assert.Equal(t, ifcache.ChangeAll, decision.Change)
		assert.True(t, decision.Publish)
		assert.False(t, decision.Object.Has(object.AttrEnabled), "admin state removed")
	})

	t.Run("unmasked admin change published", func(t *testing.T) {
		t.Parallel()

		cache := ifcache.New()
		c := newClassifier(t, cache)
		classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(up)))

		decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, swp1(unix.IFF_RUNNING)))
		assert.True(t, decision.Publish)

		enabled, ok := decision.Object.Bool(object.AttrEnabled)
		require.True(t, ok)
		assert.False(t, enabled)
	})
}

func TestClassifySubInterfaceVeto(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache)

	_, err := c.Classify(event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 40, Name: "swp1.10", Kind: "vlan"}))
	require.ErrorIs(t, err, classify.ErrVetoed)
	assert.False(t, cache.Has(40), "vetoed events do not reach the cache")

	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0,
		nltest.Link{Index: 40, Name: "swp1.10", Kind: "vlan", Parent: 3}))
	assert.Equal(t, uint32(3), decision.Details.Parent)

	rec, _ := cache.Get(40)
	assert.Equal(t, uint32(3), rec.Parent)
}

func TestClassifyManagementRefiner(t *testing.T) {
	t.Parallel()

	cache := ifcache.New()
	c := newClassifier(t, cache, classify.WithRegistry(classify.DefaultRegistry(cache, "mgmt")))

	decision := classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 2, Name: "mgmt0"}))
	assert.Equal(t, ifcache.TypeManagement, decision.Details.Type)

	decision = classify1(t, c, event(t, unix.RTM_NEWLINK, 0, nltest.Link{Index: 3, Name: "swp1"}))
	assert.Equal(t, ifcache.TypeL3Port, decision.Details.Type)
}

func TestIsReserved(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"eth0", "mgmt1", "veth-a", "vdef-b"} {
		assert.True(t, classify.IsReserved(name), name)
	}

	for _, name := range []string{"swp1", "veth0", "br0", ""} {
		assert.False(t, classify.IsReserved(name), name)
	}
}
