// Package classify decides, per kernel link event, whether and how a change
// record is published.
package classify

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/linkmsg"
	"github.com/jkoelker/linkbridged/pkg/object"
)

var (
	// ErrVetoed is returned when a refiner rejects an event.
	ErrVetoed = errors.New("event vetoed")

	// ErrLookup is returned when a VRF or master interface cannot be resolved.
	ErrLookup = errors.New("lookup failed")

	// ErrNilEvent is returned when Classify is given a nil event.
	ErrNilEvent = errors.New("event must not be nil")
)

// VRFDirectory resolves VRF ids to names.
type VRFDirectory interface {
	Name(id uint32) (string, bool)
}

// NameResolver resolves interface indices to names.
type NameResolver interface {
	NameByIndex(index uint32) (string, error)
}

// Decision is the outcome of classifying one event.
type Decision struct {
	Object  *object.Object
	Publish bool
	Change  ifcache.Change
	Details Details
}

// Classifier turns decoded link events into change records, keeping the
// interface cache current for the default VRF.
type Classifier struct {
	cache      *ifcache.Cache
	vrfs       VRFDirectory
	names      NameResolver
	hooks      *Registry
	defaultVRF uint32
	log        *slog.Logger
}

// New builds a Classifier over cache and vrfs.
func New(cache *ifcache.Cache, vrfs VRFDirectory, opts ...func(*Classifier)) *Classifier {
	classifier := &Classifier{
		cache: cache,
		vrfs:  vrfs,
	}

	for _, opt := range opts {
		opt(classifier)
	}

	if classifier.log == nil {
		classifier.log = slog.New(slog.DiscardHandler)
	}

	if classifier.names == nil {
		classifier.names = cacheNames{cache: cache}
	}

	if classifier.hooks == nil {
		classifier.hooks = DefaultRegistry(cache)
	}

	return classifier
}

// Classify runs ev through attribute extraction, refinement, cache
// reconciliation and VRF tagging. Events outside the default VRF never touch
// the cache.
func (c *Classifier) Classify(ev *linkmsg.Event) (Decision, error) {
	if ev == nil {
		return Decision{}, ErrNilEvent
	}

	inDefault := ev.VRFID == c.defaultVRF

	details := Details{
		Index:     ev.Index,
		VRFID:     ev.VRFID,
		Operation: operationFor(ev.Type),
	}

	if inDefault && details.Operation == object.OpCreate && c.cache.Has(ev.Index) {
		details.Operation = object.OpSet
	}

	obj := object.New()
	candidate := c.populate(ev, &details, obj, inDefault)

	if err := c.hooks.Refine(ev, &details, obj); err != nil {
		return Decision{}, fmt.Errorf("refine %s %d: %w", details.Type, ev.Index, err)
	}

	decision := Decision{Object: obj, Publish: true, Change: ifcache.ChangeAll}

	if inDefault {
		publish, change, err := c.reconcile(ev, &details, candidate, obj)
		if err != nil {
			return Decision{}, err
		}

		decision.Publish = publish
		decision.Change = change
	}

	vrfName, ok := c.vrfs.Name(ev.VRFID)
	if !ok {
		return Decision{}, fmt.Errorf("%w: vrf id %d", ErrLookup, ev.VRFID)
	}

	obj.Set(object.AttrVRFID, ev.VRFID)
	obj.Set(object.AttrVRFName, vrfName)
	obj.Set(object.AttrType, details.Type)
	obj.Key = object.InterfaceKey
	obj.Operation = details.Operation

	decision.Details = details

	return decision, nil
}

func operationFor(msgType uint16) object.Operation {
	switch msgType {
	case unix.RTM_NEWLINK:
		return object.OpCreate
	case unix.RTM_DELLINK:
		return object.OpDelete
	default:
		return object.OpSet
	}
}

func (c *Classifier) populate(
	ev *linkmsg.Event,
	details *Details,
	obj *object.Object,
	inDefault bool,
) ifcache.Record {
	admin := ev.Flags&unix.IFF_UP != 0

	obj.Set(object.AttrFlags, ev.Flags)
	obj.Set(object.AttrIfIndex, ev.Index)
	obj.Set(object.AttrEnabled, admin)

	rec := ifcache.Record{
		AdminUp: admin,
		OperUp:  ev.Flags&unix.IFF_RUNNING != 0,
	}

	if mac, ok := ev.Attrs.HardwareAddr(unix.IFLA_ADDRESS); ok {
		obj.Set(object.AttrPhysAddress, mac.String())
		rec.MAC = mac
	}

	if name, ok := ev.Name(); ok {
		obj.Set(object.AttrName, name)
		details.Name = name
		rec.Name = name
	}

	if mtu, ok := ev.Attrs.Uint32(unix.IFLA_MTU); ok {
		obj.Set(object.AttrMTU, mtu+MTUOverhead)
		rec.MTU = mtu
	}

	if link, ok := ev.Attrs.Uint32(unix.IFLA_LINK); ok {
		c.log.Debug("link event carries parent link", "index", ev.Index, "link", link)
	}

	if master, ok := ev.Master(); ok {
		obj.Set(object.AttrMaster, master)
		details.Master = master
		details.HasMaster = true
		rec.Master = master
	}

	kind, hasKind := ev.Kind()
	if hasKind {
		details.Kind = kind
		rec.OSLinkKind = kind
	}

	details.Type = c.resolveType(ev.Index, kind, hasKind, inDefault)

	return rec
}

func (c *Classifier) resolveType(index uint32, kind string, hasKind, inDefault bool) ifcache.Type {
	if hasKind {
		if typ, ok := TypeForKind(kind); ok {
			return typ
		}
	}

	if inDefault {
		if typ, ok := c.cache.Type(index); ok && typ != ifcache.TypeUnknown {
			return typ
		}
	}

	return ifcache.TypeL3Port
}

func (c *Classifier) reconcile(
	ev *linkmsg.Event,
	details *Details,
	candidate ifcache.Record,
	obj *object.Object,
) (bool, ifcache.Change, error) {
	prior, hadPrior := c.cache.Get(ev.Index)

	candidate.Type = details.Type
	candidate.Parent = details.Parent

	if hadPrior {
		carryForward(ev, &candidate, prior)
	}

	details.Name = candidate.Name

	change := c.cache.Update(ev.Index, candidate)

	if details.Operation == object.OpDelete {
		c.applyDeletePolicy(details, candidate)
	}

	if details.Type == ifcache.TypeL2Port || (details.Type == ifcache.TypeLAG && details.HasMaster) {
		if err := c.rewriteMembership(details, prior, obj); err != nil {
			return false, change, err
		}

		return true, change, nil
	}

	if change == ifcache.ChangeNone {
		publish := details.Operation == object.OpDelete || IsReserved(details.Name)
		if !publish {
			c.log.Debug("suppressing unchanged link event", "index", ev.Index, "name", details.Name)
		}

		return publish, change, nil
	}

	if c.cache.SuppressionMask(ev.Index) == ifcache.ChangeAdmin {
		if change == ifcache.ChangeAdmin {
			c.log.Debug("suppressing masked admin change", "index", ev.Index, "name", details.Name)

			return false, change, nil
		}

		obj.Delete(object.AttrEnabled)
	}

	return true, change, nil
}

// carryForward fills fields the kernel omitted from the previous record.
func carryForward(ev *linkmsg.Event, candidate *ifcache.Record, prior ifcache.Record) {
	if !ev.Attrs.Has(unix.IFLA_IFNAME) {
		candidate.Name = prior.Name
	}

	if !ev.Attrs.Has(unix.IFLA_ADDRESS) {
		candidate.MAC = prior.MAC
	}

	if !ev.Attrs.Has(unix.IFLA_MTU) {
		candidate.MTU = prior.MTU
	}

	if candidate.OSLinkKind == "" {
		candidate.OSLinkKind = prior.OSLinkKind
	}

	if candidate.Parent == 0 {
		candidate.Parent = prior.Parent
	}
}

func (c *Classifier) applyDeletePolicy(details *Details, candidate ifcache.Record) {
	switch {
	case !retainedOnDelete.Contains(details.Type):
		c.cache.Delete(details.Index, details.Name)
	case details.Type == ifcache.TypeLAG && details.Kind == KindBond:
		c.cache.Delete(details.Index, details.Name)
	case details.Type == ifcache.TypeL2Port:
		candidate.Master = 0
		c.cache.Update(details.Index, candidate)
	default:
		c.log.Debug("retaining deleted interface", "index", details.Index, "type", details.Type.String())
	}
}

// rewriteMembership re-keys L2 port events onto their master so the record
// describes a membership change of the bridge or bond.
func (c *Classifier) rewriteMembership(details *Details, prior ifcache.Record, obj *object.Object) error {
	master := details.Master
	if !details.HasMaster {
		master = prior.Master
	}

	if master == 0 {
		return fmt.Errorf("%w: no master for %s %d", ErrLookup, details.Type, details.Index)
	}

	name, err := c.names.NameByIndex(master)
	if err != nil || name == "" {
		return fmt.Errorf("%w: master %d of %d: %w", ErrLookup, master, details.Index, errOrMissing(err))
	}

	if details.Type != ifcache.TypeL2Port {
		return nil
	}

	for attr := range memberStripped.Iter() {
		obj.Delete(attr)
	}

	obj.Set(object.AttrName, name)
	obj.Set(object.AttrIfIndex, master)
	obj.Set(object.AttrMaster, master)
	obj.Set(object.AttrMemberIndex, details.Index)

	return nil
}

var errNameMissing = errors.New("name not found")

func errOrMissing(err error) error {
	if err != nil {
		return err
	}

	return errNameMissing
}

type cacheNames struct {
	cache *ifcache.Cache
}

func (n cacheNames) NameByIndex(index uint32) (string, error) {
	if name := n.cache.Name(index); name != "" {
		return name, nil
	}

	return "", fmt.Errorf("%w: index %d", errNameMissing, index)
}
