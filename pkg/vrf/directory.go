// Package vrf provides read-only lookups between VRF ids, names and network
// namespaces.
package vrf

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vishvananda/netns"
)

var (
	// ErrUnknownVRF is returned when a VRF name or id is not configured.
	ErrUnknownVRF = errors.New("unknown vrf")

	// ErrDuplicateVRF is returned when a name or id is registered twice.
	ErrDuplicateVRF = errors.New("duplicate vrf")
)

// VRF is one routing domain and the namespace its kernel state lives in. An
// empty Namespace selects the daemon's own namespace.
type VRF struct {
	Name      string
	ID        uint32
	Namespace string
}

// Directory maps VRF ids to names and namespaces.
type Directory struct {
	mu          sync.RWMutex
	byID        map[uint32]VRF
	byName      map[string]VRF
	defaultName string

	getFromName func(string) (netns.NsHandle, error)
}

// NewDirectory builds a Directory whose default VRF is def.
func NewDirectory(def VRF, vrfs ...VRF) (*Directory, error) {
	dir := &Directory{
		byID:        make(map[uint32]VRF),
		byName:      make(map[string]VRF),
		defaultName: def.Name,
		getFromName: netns.GetFromName,
	}

	for _, v := range append([]VRF{def}, vrfs...) {
		if existing, ok := dir.byName[v.Name]; ok && existing == v {
			continue
		}

		if err := dir.Add(v); err != nil {
			return nil, err
		}
	}

	return dir, nil
}

// Add registers v.
func (d *Directory) Add(v VRF) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byName[v.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateVRF, v.Name)
	}

	if _, ok := d.byID[v.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateVRF, v.ID)
	}

	d.byID[v.ID] = v
	d.byName[v.Name] = v

	return nil
}

// Remove unregisters the VRF called name. The default VRF cannot be removed.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.byName[name]
	if !ok || name == d.defaultName {
		return fmt.Errorf("%w: %q", ErrUnknownVRF, name)
	}

	delete(d.byName, name)
	delete(d.byID, v.ID)

	return nil
}

// Name returns the name of VRF id.
func (d *Directory) Name(id uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.byID[id]

	return v.Name, ok
}

// Lookup returns the VRF called name.
func (d *Directory) Lookup(name string) (VRF, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.byName[name]

	return v, ok
}

// Default returns the default VRF.
func (d *Directory) Default() VRF {
	v, _ := d.Lookup(d.defaultName)

	return v
}

// All returns every VRF ordered by id.
func (d *Directory) All() []VRF {
	d.mu.RLock()
	out := make([]VRF, 0, len(d.byID))
	for _, v := range d.byID {
		out = append(out, v)
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b VRF) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return out
}

// Namespace opens the network namespace of the VRF called name. The caller
// closes handles for which IsOpen reports true.
func (d *Directory) Namespace(name string) (netns.NsHandle, error) {
	v, ok := d.Lookup(name)
	if !ok {
		return netns.None(), fmt.Errorf("%w: %q", ErrUnknownVRF, name)
	}

	if v.Namespace == "" {
		return netns.None(), nil
	}

	handle, err := d.getFromName(v.Namespace)
	if err != nil {
		return netns.None(), fmt.Errorf("open namespace %q for vrf %q: %w", v.Namespace, name, err)
	}

	return handle, nil
}
