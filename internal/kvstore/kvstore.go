// Package kvstore defines the ordered key-value storage abstraction the
// object database engine is built on, plus a Register/Names/Select plugin
// registry so a backend (sqlite/postgres/mongo) is selected by name at
// startup.
package kvstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/graffitidb/engine/internal/model"
)

// NewRevision mints the backend-assigned tie-break id for a new write.
// Shared across every Backend implementation: the id only has to be
// unique and comparable, not backend-specific.
func NewRevision() string {
	return uuid.NewString()
}

// IndexRow is a single row yielded by a Range scan over
// objectsByChannelAndLastModified: an index key plus the document it
// points at. Only the sqlite backend fills Key; postgres and mongo leave it
// empty.
type IndexRow struct {
	Key string
	Doc model.Object
}

// Backend is the ordered key-value store every object database operation
// is built on: atomic put, range scans over the channel/lastModified
// index, and a monotonic sequence for lastModified assignment.
type Backend interface {
	// Get returns the object stored under url, or *model.NotFoundError.
	Get(ctx context.Context, url string) (model.Object, error)

	// Put atomically stores obj under its URL, maintaining the
	// objectsByChannelAndLastModified and objectsByActor index rows. It is
	// the backend's responsibility to enforce last-writer-wins: a Put that
	// loses the race (lower LastModified, or an LastModified tie broken by
	// lexicographically smaller Revision) is silently superseded.
	Put(ctx context.Context, obj model.Object) error

	// BulkPut stores multiple objects atomically as a single backend
	// round trip.
	BulkPut(ctx context.Context, objs []model.Object) error

	// Range scans the channel/lastModified index for channel over
	// [startSuffix, endSuffix] (inclusive), in ascending key order.
	Range(ctx context.Context, channel, startSuffix, endSuffix string) ([]IndexRow, error)

	// RangeByActor scans the owner-scoped orphan recovery index for actor.
	RangeByActor(ctx context.Context, actor string) ([]model.Object, error)

	// PurgeTombstones hard-deletes up to limit tombstoned objects written
	// before the given unix-nanosecond instant, along with their index
	// rows, and reports how many were removed. Purging is wall-clock
	// based, not lastModified based: lastModified is a logical sequence,
	// not a timestamp. Used only by the optional sweeper; the engine
	// itself never calls this.
	PurgeTombstones(ctx context.Context, before int64, limit int) (int, error)

	// Info returns the backend's current monotonic sequence value. The
	// next write will be assigned a lastModified strictly greater than
	// this value.
	Info(ctx context.Context) (monotonicSeq int64, err error)

	// Migrate installs or repairs the backend's secondary indexes
	// ("design documents"). Safe to call repeatedly; an initial-install
	// conflict is expected and absorbed.
	Migrate(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Loader constructs a Backend from a connection string.
type Loader func(ctx context.Context, dbURL string) (Backend, error)

// plugin pairs a backend name with its Loader.
type plugin struct {
	Name   string
	Loader Loader
}

var plugins []plugin

// Register adds a backend plugin. Called from init() in kvstore/<name>
// packages that are blank-imported by cmd/serve and cmd/migrate.
func Register(name string, loader Loader) {
	plugins = append(plugins, plugin{Name: name, Loader: loader})
}

// Names returns all registered backend plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named backend plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("kvstore: unknown backend %q; valid: %v", name, Names())
}
