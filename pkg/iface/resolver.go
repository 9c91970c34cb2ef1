// Package iface resolves interface names and indices, consulting the
// interface cache before asking the kernel.
package iface

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/jkoelker/linkbridged/pkg/ifcache"
	"github.com/jkoelker/linkbridged/pkg/netutil"
)

// ErrNotFound is returned when no interface matches.
var ErrNotFound = errors.New("interface not found")

// Resolver maps between interface indices and names. Cached entries win; a
// miss falls through to a kernel lookup in the daemon's namespace.
type Resolver struct {
	cache       *ifcache.Cache
	linkByIndex func(int) (netlink.Link, error)
	linkByName  func(string) (netlink.Link, error)
}

// NewResolver builds a Resolver over cache.
func NewResolver(cache *ifcache.Cache, opts ...func(*Resolver)) *Resolver {
	resolver := &Resolver{
		cache:       cache,
		linkByIndex: netlink.LinkByIndex,
		linkByName:  netlink.LinkByName,
	}

	for _, opt := range opts {
		opt(resolver)
	}

	return resolver
}

// WithLinkByIndex injects a custom netlink.LinkByIndex, useful for tests.
func WithLinkByIndex(fn func(int) (netlink.Link, error)) func(*Resolver) {
	return func(r *Resolver) {
		if fn != nil {
			r.linkByIndex = fn
		}
	}
}

// WithLinkByName injects a custom netlink.LinkByName, useful for tests.
func WithLinkByName(fn func(string) (netlink.Link, error)) func(*Resolver) {
	return func(r *Resolver) {
		if fn != nil {
			r.linkByName = fn
		}
	}
}

// NameByIndex returns the name of interface index.
func (r *Resolver) NameByIndex(index uint32) (string, error) {
	if name := r.cache.Name(index); name != "" {
		return name, nil
	}

	link, err := r.linkByIndex(int(index))
	if err != nil {
		return "", lookupError(fmt.Sprintf("index %d", index), err)
	}

	return link.Attrs().Name, nil
}

// IndexByName returns the index of the interface called name.
func (r *Resolver) IndexByName(name string) (uint32, error) {
	if index, ok := r.cache.IndexByName(name); ok {
		return index, nil
	}

	link, err := r.linkByName(name)
	if err != nil {
		return 0, lookupError(fmt.Sprintf("name %q", name), err)
	}

	return uint32(link.Attrs().Index), nil //nolint:gosec // kernel indices are positive
}

func lookupError(what string, err error) error {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) || netutil.IsNoDeviceError(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}

	return fmt.Errorf("lookup interface %s: %w", what, err)
}
