package classify

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/linkmsg"
	"github.com/jkoelker/linkbridged/pkg/netutil"
	"github.com/jkoelker/linkbridged/pkg/object"
)

// Details is the classification state refiners may adjust.
type Details struct {
	Index     uint32
	Name      string
	Kind      string
	Type      ifcache.Type
	Master    uint32
	HasMaster bool
	Parent    uint32
	VRFID     uint32
	Operation object.Operation
}

// Refiner adjusts the classification of an event of a given type. Returning
// an error vetoes the event.
type Refiner interface {
	Refine(ev *linkmsg.Event, details *Details, obj *object.Object) error
}

// RefinerFunc adapts a function into a Refiner.
type RefinerFunc func(ev *linkmsg.Event, details *Details, obj *object.Object) error

// Refine calls f.
func (f RefinerFunc) Refine(ev *linkmsg.Event, details *Details, obj *object.Object) error {
	return f(ev, details, obj)
}

// Registry holds refiners keyed by the interface type they apply to.
type Registry struct {
	mu    sync.RWMutex
	hooks map[ifcache.Type][]Refiner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[ifcache.Type][]Refiner)}
}

// Register appends r to the refiners run for typ.
func (r *Registry) Register(typ ifcache.Type, refiner Refiner) {
	if r == nil || refiner == nil {
		return
	}

	r.mu.Lock()
	r.hooks[typ] = append(r.hooks[typ], refiner)
	r.mu.Unlock()
}

// Refine runs the refiners registered for details.Type in registration
// order. The first failure vetoes the event.
func (r *Registry) Refine(ev *linkmsg.Event, details *Details, obj *object.Object) error {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	hooks := append([]Refiner(nil), r.hooks[details.Type]...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook.Refine(ev, details, obj); err != nil {
			if errors.Is(err, ErrVetoed) {
				return err
			}

			return fmt.Errorf("%w: %w", ErrVetoed, err)
		}
	}

	return nil
}

// MemberPortRefiner turns ports enslaved to a cached bridge or bond into
// L2 ports.
func MemberPortRefiner(cache *ifcache.Cache) Refiner {
	return RefinerFunc(func(_ *linkmsg.Event, details *Details, _ *object.Object) error {
		if details.Type != ifcache.TypeL3Port || !details.HasMaster || details.Kind != "" {
			return nil
		}

		switch masterType, _ := cache.Type(details.Master); masterType {
		case ifcache.TypeBridge, ifcache.TypeLAG:
			details.Type = ifcache.TypeL2Port
		default:
		}

		return nil
	})
}

// DetachedPortRefiner turns an L2 port that lost its master back into an L3
// port. Bridge-family messages and deletes keep the L2 type so membership
// removal is reported against the bridge and the port stays cached.
func DetachedPortRefiner() Refiner {
	return RefinerFunc(func(ev *linkmsg.Event, details *Details, _ *object.Object) error {
		if details.Operation == object.OpDelete {
			return nil
		}

		if details.Type == ifcache.TypeL2Port && !details.HasMaster && ev.Family != unix.AF_BRIDGE {
			details.Type = ifcache.TypeL3Port
		}

		return nil
	})
}

// ManagementRefiner marks L3 ports whose name starts with one of prefixes as
// management interfaces.
func ManagementRefiner(prefixes ...string) Refiner {
	prefixes = append([]string(nil), prefixes...)

	return RefinerFunc(func(_ *linkmsg.Event, details *Details, _ *object.Object) error {
		if details.Type == ifcache.TypeL3Port && netutil.HasNamePrefix(details.Name, prefixes...) {
			details.Type = ifcache.TypeManagement
		}

		return nil
	})
}

// SubInterfaceRefiner records the parent of VLAN sub-interfaces. Events
// without a parent link are vetoed.
func SubInterfaceRefiner() Refiner {
	return RefinerFunc(func(ev *linkmsg.Event, details *Details, _ *object.Object) error {
		parent, ok := ev.Attrs.Uint32(unix.IFLA_LINK)
		if !ok || parent == 0 {
			return fmt.Errorf("%w: vlan %d has no parent link", ErrVetoed, details.Index)
		}

		details.Parent = parent

		return nil
	})
}

// DefaultRegistry returns a registry with the built-in refiners.
// Management prefixes may be empty.
func DefaultRegistry(cache *ifcache.Cache, managementPrefixes ...string) *Registry {
	reg := NewRegistry()
	reg.Register(ifcache.TypeL3Port, MemberPortRefiner(cache))
	reg.Register(ifcache.TypeL2Port, DetachedPortRefiner())
	reg.Register(ifcache.TypeVLANSubIntf, SubInterfaceRefiner())

	if len(managementPrefixes) > 0 {
		reg.Register(ifcache.TypeL3Port, ManagementRefiner(managementPrefixes...))
	}

	return reg
}
