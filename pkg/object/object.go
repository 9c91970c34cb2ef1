// Package object models the structured change records handed to the object
// framework.
package object

import (
	"context"
	"encoding/json"
	"maps"
)

// InterfaceKey identifies observed interface records.
const InterfaceKey = "observed/base-if-linux/if/interfaces/interface"

// Operation is the change operation carried by a record.
type Operation int

const (
	// OpNone marks a record returned from a read.
	OpNone Operation = iota
	// OpCreate announces a new interface.
	OpCreate
	// OpSet announces a change to a known interface.
	OpSet
	// OpDelete announces an interface removal.
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// AttrID names an attribute of an interface record.
type AttrID string

// Interface record attributes.
const (
	AttrIfIndex     AttrID = "if-index"
	AttrName        AttrID = "name"
	AttrEnabled     AttrID = "enabled"
	AttrMTU         AttrID = "mtu"
	AttrPhysAddress AttrID = "phys-address"
	AttrMaster      AttrID = "if-master"
	AttrMemberIndex AttrID = "member-if-index"
	AttrType        AttrID = "type"
	AttrFlags       AttrID = "if-flags"
	AttrVRFID       AttrID = "vrf-id"
	AttrVRFName     AttrID = "vrf-name"
	AttrSpeed       AttrID = "speed"
	AttrDuplex      AttrID = "duplex"
	AttrAutoNeg     AttrID = "auto-negotiation"
	AttrOperStatus  AttrID = "oper-status"
)

// Object is a keyed attribute record. The zero value is not usable; call New.
type Object struct {
	Key       string
	Operation Operation

	attrs map[AttrID]any
}

// New returns an empty record.
func New() *Object {
	return &Object{attrs: make(map[AttrID]any)}
}

// Set stores value under id, replacing any previous value.
func (o *Object) Set(id AttrID, value any) {
	o.attrs[id] = value
}

// Get returns the value stored under id.
func (o *Object) Get(id AttrID) (any, bool) {
	if o == nil {
		return nil, false
	}

	v, ok := o.attrs[id]

	return v, ok
}

// Has reports whether id is present.
func (o *Object) Has(id AttrID) bool {
	_, ok := o.Get(id)

	return ok
}

// Uint32 returns the attribute as a uint32 when it holds one.
func (o *Object) Uint32(id AttrID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}

	u, ok := v.(uint32)

	return u, ok
}

// String returns the attribute as a string when it holds one.
func (o *Object) String(id AttrID) (string, bool) {
	v, ok := o.Get(id)
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

// Bool returns the attribute as a bool when it holds one.
func (o *Object) Bool(id AttrID) (bool, bool) {
	v, ok := o.Get(id)
	if !ok {
		return false, false
	}

	b, ok := v.(bool)

	return b, ok
}

// Delete removes id from the record.
func (o *Object) Delete(id AttrID) {
	delete(o.attrs, id)
}

// Attrs returns a copy of the attribute map.
func (o *Object) Attrs() map[AttrID]any {
	if o == nil {
		return nil
	}

	return maps.Clone(o.attrs)
}

// MarshalJSON renders the record for CLI output.
func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key        string         `json:"key"`
		Operation  Operation      `json:"operation"`
		Attributes map[AttrID]any `json:"attributes"`
	}{
		Key:        o.Key,
		Operation:  o.Operation,
		Attributes: o.attrs,
	})
}

// Publisher receives records that should be announced to the framework.
type Publisher interface {
	Publish(ctx context.Context, obj *Object) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, obj *Object) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, obj *Object) error {
	return f(ctx, obj)
}
