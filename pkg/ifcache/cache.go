// Package ifcache holds the authoritative view of default-namespace
// interfaces.
package ifcache

import (
	"bytes"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/jkoelker/linkbridged/pkg/netutil"
)

// ErrUnknownType is returned by ParseType for unrecognised names.
var ErrUnknownType = errors.New("unknown interface type")

// Record is the cached state of one interface.
type Record struct {
	Name       string
	Type       Type
	AdminUp    bool
	OperUp     bool
	MAC        net.HardwareAddr
	MTU        uint32
	Master     uint32
	Parent     uint32
	OSLinkKind string
	// Mask is owned by collaborators through SetSuppressionMask; Update
	// carries it over.
	Mask Change
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.MAC = netutil.CloneAddr(r.MAC)

	return r
}

// Cache stores records keyed by interface index with a name index alongside.
// Records are copied in and out so callers can mutate what they receive.
type Cache struct {
	mu      sync.RWMutex
	byIndex map[uint32]Record
	byName  map[string]uint32
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{
		byIndex: make(map[uint32]Record),
		byName:  make(map[string]uint32),
	}
}

// Get returns a copy of the record for index.
func (c *Cache) Get(index uint32) (Record, bool) {
	if c == nil {
		return Record{}, false
	}

	c.mu.RLock()
	rec, ok := c.byIndex[index]
	c.mu.RUnlock()

	if !ok {
		return Record{}, false
	}

	return rec.Clone(), true
}

// Has reports whether index is cached.
func (c *Cache) Has(index uint32) bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.byIndex[index]

	return ok
}

// IndexByName returns the index cached under name.
func (c *Cache) IndexByName(name string) (uint32, bool) {
	if c == nil || name == "" {
		return 0, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	index, ok := c.byName[name]

	return index, ok
}

// Name returns the cached name for index, or "" when unknown.
func (c *Cache) Name(index uint32) string {
	rec, _ := c.Get(index)

	return rec.Name
}

// Type returns the cached type for index.
func (c *Cache) Type(index uint32) (Type, bool) {
	rec, ok := c.Get(index)

	return rec.Type, ok
}

// Master returns the cached master index for index, or 0.
func (c *Cache) Master(index uint32) uint32 {
	rec, _ := c.Get(index)

	return rec.Master
}

// Admin returns the cached administrative state for index.
func (c *Cache) Admin(index uint32) (bool, bool) {
	rec, ok := c.Get(index)

	return rec.AdminUp, ok
}

// MAC returns the cached hardware address for index.
func (c *Cache) MAC(index uint32) (net.HardwareAddr, bool) {
	rec, ok := c.Get(index)
	if !ok || rec.MAC == nil {
		return nil, false
	}

	return rec.MAC, true
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byIndex)
}

// Update stores candidate under index and reports how it differs from the
// previous record. A first insert is ChangeAll. The previous suppression
// mask is kept; candidate.Mask is ignored.
func (c *Cache) Update(index uint32, candidate Record) Change {
	if c == nil {
		return ChangeNone
	}

	candidate = candidate.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	change := ChangeAll

	prev, ok := c.byIndex[index]
	if ok {
		change = diff(prev, candidate)
		candidate.Mask = prev.Mask

		if prev.Name != candidate.Name && c.byName[prev.Name] == index {
			delete(c.byName, prev.Name)
		}
	} else {
		candidate.Mask = ChangeNone
	}

	c.byIndex[index] = candidate
	if candidate.Name != "" {
		c.byName[candidate.Name] = index
	}

	return change
}

// Delete removes index and any name entries pointing at it.
func (c *Cache) Delete(index uint32, name string) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byIndex[index]
	if !ok {
		return
	}

	delete(c.byIndex, index)

	for _, n := range []string{rec.Name, name} {
		if n != "" && c.byName[n] == index {
			delete(c.byName, n)
		}
	}
}

// ForEach calls fn for every record in index order. It iterates a snapshot,
// so fn may call back into the cache.
func (c *Cache) ForEach(fn func(index uint32, rec Record)) {
	if c == nil || fn == nil {
		return
	}

	c.mu.RLock()
	snapshot := make(map[uint32]Record, len(c.byIndex))
	for index, rec := range c.byIndex {
		snapshot[index] = rec.Clone()
	}
	c.mu.RUnlock()

	indices := make([]uint32, 0, len(snapshot))
	for index := range snapshot {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	for _, index := range indices {
		fn(index, snapshot[index])
	}
}

// SetSuppressionMask sets the mask for index. It returns false when index is
// not cached.
func (c *Cache) SetSuppressionMask(index uint32, mask Change) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byIndex[index]
	if !ok {
		return false
	}

	rec.Mask = mask
	c.byIndex[index] = rec

	return true
}

// SuppressionMask returns the mask for index, ChangeNone when unset.
func (c *Cache) SuppressionMask(index uint32) Change {
	rec, _ := c.Get(index)

	return rec.Mask
}

func diff(prev, next Record) Change {
	switch {
	case prev.OperUp != next.OperUp,
		!bytes.Equal(prev.MAC, next.MAC),
		prev.MTU != next.MTU,
		prev.Master != next.Master,
		prev.Type != next.Type:
		return ChangeAll
	case prev.AdminUp != next.AdminUp:
		return ChangeAdmin
	default:
		return ChangeNone
	}
}
