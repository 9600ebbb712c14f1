// Package model defines the persisted shapes of the graffiti engine: the
// Object record, the caller's Session, and the typed error taxonomy every
// other package returns.
package model

import "encoding/json"

// Object is the persisted Graffiti record: an actor-owned JSON value
// grouped into channels, with tombstone-based deletion.
//
// Objects are immutable once written except for the Tombstone transition.
// Every write — including delete — stores a whole new revision (fresh
// Revision, higher LastModified) that replaces the record under its URL;
// earlier revisions are not kept.
type Object struct {
	// URL is the opaque primary key, of the form returned by urlcodec.Encode.
	URL string `json:"url"`
	// Actor is the owning identity, immutable for the life of the object.
	Actor string `json:"actor"`
	// Value is the caller-supplied JSON object payload. Logically absent
	// (nil) once Tombstone is true.
	Value json.RawMessage `json:"value,omitempty"`
	// Channels is the set of channel tags this object belongs to. May be
	// empty — an object with no channels is an "orphan".
	Channels []string `json:"channels,omitempty"`
	// Allowed is nil when the object is public (visible to anyone who can
	// reach it); otherwise it is the explicit allow-list of actors besides
	// the owner who may see it.
	Allowed []string `json:"allowed,omitempty"`
	// AllowedSet reports whether Allowed was explicitly set (vs. public).
	// Allowed's omitempty encoding drops both a nil and an empty slice, so
	// this flag disambiguates "allowed: []" from "no allowed key at all".
	AllowedSet bool `json:"-"`
	// LastModified is the backend-assigned monotonic sequence number.
	LastModified int64 `json:"lastModified"`
	// Revision is a backend-assigned id used to break ties between two
	// writes that land on the same LastModified value.
	Revision string `json:"-"`
	// Tombstone marks this as a deletion marker. Value and Allowed are
	// logically absent to readers when true.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Clone returns a deep-enough copy of o safe for a caller to mutate
// (masking rewrites Allowed/Channels in place on the copy).
func (o Object) Clone() Object {
	c := o
	if o.Channels != nil {
		c.Channels = append([]string(nil), o.Channels...)
	}
	if o.Allowed != nil {
		c.Allowed = append([]string(nil), o.Allowed...)
	}
	return c
}

// Session identifies the caller driving an engine operation. Authentication
// of the Actor string itself happens upstream of the engine; the engine
// only ever sees the resolved identity. A nil Session or empty Actor is
// the anonymous viewer.
type Session struct {
	Actor string
}

// Anonymous reports whether this session carries no actor identity.
func (s *Session) Anonymous() bool {
	return s == nil || s.Actor == ""
}
