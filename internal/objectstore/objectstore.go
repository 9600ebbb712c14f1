// Package objectstore implements the public object CRUD surface: post,
// get, delete, backed by the storage, codec, schema, and access layers.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/graffitidb/engine/internal/access"
	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/policy"
	"github.com/graffitidb/engine/internal/schema"
	"github.com/graffitidb/engine/internal/urlcodec"
)

// RevisionMinter mints the backend-assigned tie-break id for a new write.
// Satisfied by kvstore.NewRevision and sqlite.NewRevision.
type RevisionMinter func() string

// Store is the object CRUD layer: post/get/delete.
type Store struct {
	Backend     kvstore.Backend
	Policy      *policy.Engine // optional; nil disables the supplementary gate
	NewRevision RevisionMinter
}

// New builds a Store. policyEngine may be nil to skip the supplementary
// deny gate entirely.
func New(backend kvstore.Backend, policyEngine *policy.Engine, newRevision RevisionMinter) *Store {
	return &Store{Backend: backend, Policy: policyEngine, NewRevision: newRevision}
}

// PartialObject is the caller-supplied input to Post.
type PartialObject struct {
	Value    json.RawMessage
	Channels []string
	// Allowed is consulted only when AllowedSet is true; it then grants
	// visibility to exactly the owner plus these actors (possibly none).
	// With AllowedSet false the object is public whatever Allowed holds.
	Allowed    []string
	AllowedSet bool
}

// Post mints a fresh id, computes the object's url, and atomically writes
// a brand new live object owned by session.Actor.
func (s *Store) Post(ctx context.Context, partial PartialObject, sess *model.Session) (model.Object, error) {
	if sess.Anonymous() {
		return model.Object{}, &model.ForbiddenError{Reason: "post requires a session actor"}
	}

	id, err := urlcodec.NewID()
	if err != nil {
		return model.Object{}, fmt.Errorf("objectstore: post: %w", err)
	}
	url, err := urlcodec.Encode(sess.Actor, id)
	if err != nil {
		return model.Object{}, fmt.Errorf("objectstore: post: %w", err)
	}

	seq, err := s.Backend.Info(ctx)
	if err != nil {
		return model.Object{}, fmt.Errorf("objectstore: post: %w", err)
	}

	obj := model.Object{
		URL:          url,
		Actor:        sess.Actor,
		Value:        partial.Value,
		Channels:     dedupe(partial.Channels),
		Allowed:      partial.Allowed,
		AllowedSet:   partial.AllowedSet,
		LastModified: seq + 1,
		Revision:     s.NewRevision(),
	}
	if err := s.Backend.Put(ctx, obj); err != nil {
		return model.Object{}, fmt.Errorf("objectstore: post: %w", err)
	}
	return obj, nil
}

// Get reads the record at url, enforcing visibility, masking, and schema
// conformance.
func (s *Store) Get(ctx context.Context, url string, compiled *schema.Compiled, sess *model.Session) (model.Object, error) {
	obj, err := s.Backend.Get(ctx, url)
	if err != nil {
		return model.Object{}, err
	}
	if obj.Tombstone {
		return model.Object{}, &model.NotFoundError{URL: url}
	}
	if !access.IsVisible(obj, sess) {
		return model.Object{}, &model.NotFoundError{URL: url}
	}
	if s.Policy != nil {
		allow, err := s.Policy.Allow(ctx, policy.Context{Actor: actorOf(sess), URL: url, Channels: obj.Channels, Op: "get"})
		if err != nil {
			return model.Object{}, fmt.Errorf("objectstore: get: policy: %w", err)
		}
		if !allow {
			return model.Object{}, &model.NotFoundError{URL: url}
		}
	}

	masked := access.Mask(obj, nil, sess)

	if compiled != nil && !compiled.Matches(masked) {
		return model.Object{}, &model.SchemaMismatchError{URL: url}
	}
	return masked, nil
}

// Delete decodes url, verifies ownership, and writes a tombstone revision.
// Concurrent writers racing the same url are retried until the delete
// commits or the record is observed already in its terminal tombstoned
// state.
func (s *Store) Delete(ctx context.Context, url string, sess *model.Session) error {
	actor, _, err := urlcodec.Decode(url)
	if err != nil {
		return err
	}
	if sess.Anonymous() || actor != sess.Actor {
		return &model.ForbiddenError{URL: url, Reason: "delete requires ownership"}
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		obj, err := s.Backend.Get(ctx, url)
		if err != nil {
			return err
		}
		if obj.Tombstone {
			return &model.NotFoundError{URL: url}
		}

		seq, err := s.Backend.Info(ctx)
		if err != nil {
			return fmt.Errorf("objectstore: delete: %w", err)
		}

		tombstone := model.Object{
			URL:          obj.URL,
			Actor:        obj.Actor,
			Channels:     obj.Channels,
			LastModified: seq + 1,
			Revision:     s.NewRevision(),
			Tombstone:    true,
		}
		if err := s.Backend.Put(ctx, tombstone); err != nil {
			return fmt.Errorf("objectstore: delete: %w", err)
		}

		// Confirm the tombstone committed (another writer may have raced
		// us and won); if so, the object is still in its terminal state
		// and the delete is considered satisfied.
		got, err := s.Backend.Get(ctx, url)
		if err != nil {
			return fmt.Errorf("objectstore: delete: %w", err)
		}
		if got.Tombstone {
			return nil
		}
	}
	return fmt.Errorf("objectstore: delete %s: did not reach terminal state after %d attempts", url, maxAttempts)
}

func dedupe(channels []string) []string {
	if len(channels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func actorOf(sess *model.Session) string {
	if sess == nil {
		return ""
	}
	return sess.Actor
}
