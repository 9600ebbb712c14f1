// Package postgres is an alternate kvstore.Backend for deployments that
// want the object log and its secondary indexes in Postgres.
//
// Uses jackc/pgx/v5 directly rather than an ORM: a row-per-struct model
// fights the ordered key-value log plus materialized-view index this
// engine is built on. See DESIGN.md for the full justification of
// dropping GORM.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/model"
)

func init() {
	kvstore.Register("postgres", func(ctx context.Context, dbURL string) (kvstore.Backend, error) {
		return Open(ctx, dbURL)
	})
}

// Backend is a postgres-backed kvstore.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to dbURL and installs the schema if absent.
func Open(ctx context.Context, dbURL string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	b := &Backend{pool: pool}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate installs the objects table, its composite btree index, and the
// monotonic sequence counter. Safe to call repeatedly; the "already
// exists" error on concurrent first install is expected and absorbed.
func (b *Backend) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			url TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			value JSONB,
			channels TEXT[] NOT NULL DEFAULT '{}',
			allowed TEXT[],
			allowed_set BOOLEAN NOT NULL DEFAULT FALSE,
			last_modified BIGINT NOT NULL,
			revision TEXT NOT NULL,
			tombstone BOOLEAN NOT NULL DEFAULT FALSE,
			written_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS objects_by_channel (
			channel TEXT NOT NULL,
			index_key TEXT NOT NULL,
			url TEXT NOT NULL REFERENCES objects(url) ON DELETE CASCADE,
			PRIMARY KEY (channel, index_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_by_channel_scan ON objects_by_channel (channel, index_key)`,
		`CREATE TABLE IF NOT EXISTS objects_by_actor (
			actor TEXT NOT NULL,
			url TEXT NOT NULL REFERENCES objects(url) ON DELETE CASCADE,
			PRIMARY KEY (actor, url)
		)`,
		`CREATE TABLE IF NOT EXISTS monotonic_seq (id INT PRIMARY KEY CHECK (id = 1), value BIGINT NOT NULL)`,
		`INSERT INTO monotonic_seq (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			// A concurrent first install can still race past IF NOT EXISTS:
			// duplicate_table, duplicate_object, or a unique_violation on the
			// system catalogs. The object exists either way.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == "42P07" || pgErr.Code == "42710" || pgErr.Code == "23505") {
				continue
			}
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Info returns the current monotonic sequence value.
func (b *Backend) Info(ctx context.Context) (int64, error) {
	var seq int64
	err := b.pool.QueryRow(ctx, `SELECT value FROM monotonic_seq WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: info: %w", err)
	}
	return seq, nil
}

// Get returns the object stored at url.
func (b *Backend) Get(ctx context.Context, url string) (model.Object, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone
		FROM objects WHERE url = $1`, url)
	obj, err := scanObject(row)
	if err == pgx.ErrNoRows {
		return model.Object{}, &model.NotFoundError{URL: url}
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("postgres: get %s: %w", url, err)
	}
	return obj, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (model.Object, error) {
	var (
		obj        model.Object
		value      []byte
		allowed    []string
		allowedSet bool
	)
	if err := row.Scan(&obj.URL, &obj.Actor, &value, &obj.Channels, &allowed, &allowedSet, &obj.LastModified, &obj.Revision, &obj.Tombstone); err != nil {
		return model.Object{}, err
	}
	if len(value) > 0 {
		obj.Value = json.RawMessage(value)
	}
	obj.Allowed = allowed
	obj.AllowedSet = allowedSet
	return obj, nil
}

// Put atomically stores obj, enforcing last-writer-wins and maintaining
// both secondary indexes.
func (b *Backend) Put(ctx context.Context, obj model.Object) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: put: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := putOne(ctx, tx, obj); err != nil {
		return err
	}
	if err := bumpMonotonicSeq(ctx, tx, obj.LastModified); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BulkPut stores every object in objs as a single transaction.
func (b *Backend) BulkPut(ctx context.Context, objs []model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: bulk_put: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxSeq int64
	for _, obj := range objs {
		if err := putOne(ctx, tx, obj); err != nil {
			return err
		}
		if obj.LastModified > maxSeq {
			maxSeq = obj.LastModified
		}
	}
	if err := bumpMonotonicSeq(ctx, tx, maxSeq); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func putOne(ctx context.Context, tx pgx.Tx, obj model.Object) error {
	var existing *model.Object
	row := tx.QueryRow(ctx, `
		SELECT url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone
		FROM objects WHERE url = $1`, obj.URL)
	got, err := scanObject(row)
	switch err {
	case nil:
		existing = &got
	case pgx.ErrNoRows:
		existing = nil
	default:
		return fmt.Errorf("postgres: put %s: checking existing revision: %w", obj.URL, err)
	}

	if existing != nil && !wins(obj, *existing) {
		return nil
	}

	var allowed any
	if obj.AllowedSet {
		allowed = obj.Allowed
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO objects (url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO UPDATE SET
			actor=excluded.actor, value=excluded.value, channels=excluded.channels,
			allowed=excluded.allowed, allowed_set=excluded.allowed_set,
			last_modified=excluded.last_modified, revision=excluded.revision, tombstone=excluded.tombstone,
			written_at=excluded.written_at
	`, obj.URL, obj.Actor, []byte(obj.Value), obj.Channels, allowed, obj.AllowedSet, obj.LastModified, obj.Revision, obj.Tombstone, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("postgres: put %s: %w", obj.URL, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM objects_by_channel WHERE url = $1`, obj.URL); err != nil {
		return fmt.Errorf("postgres: put %s: clearing old index rows: %w", obj.URL, err)
	}
	for _, channel := range obj.Channels {
		key := kvstore.IndexKey(channel, obj.LastModified)
		if _, err := tx.Exec(ctx, `
			INSERT INTO objects_by_channel (channel, index_key, url) VALUES ($1, $2, $3)
			ON CONFLICT (channel, index_key) DO UPDATE SET url = excluded.url
		`, channel, key, obj.URL); err != nil {
			return fmt.Errorf("postgres: put %s: index row: %w", obj.URL, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO objects_by_actor (actor, url) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, obj.Actor, obj.URL); err != nil {
		return fmt.Errorf("postgres: put %s: actor index row: %w", obj.URL, err)
	}
	return nil
}

func wins(candidate, current model.Object) bool {
	if candidate.LastModified != current.LastModified {
		return candidate.LastModified > current.LastModified
	}
	return candidate.Revision > current.Revision
}

func bumpMonotonicSeq(ctx context.Context, tx pgx.Tx, atLeast int64) error {
	_, err := tx.Exec(ctx, `UPDATE monotonic_seq SET value = GREATEST(value, $1) WHERE id = 1`, atLeast)
	if err != nil {
		return fmt.Errorf("postgres: bumping monotonic sequence: %w", err)
	}
	return nil
}

// Range scans objects_by_channel for channel over [startSuffix, endSuffix].
func (b *Backend) Range(ctx context.Context, channel, startSuffix, endSuffix string) ([]kvstore.IndexRow, error) {
	start, end := kvstore.IndexKeyBounds(channel, startSuffix, endSuffix)

	rows, err := b.pool.Query(ctx, `
		SELECT o.url, o.actor, o.value, o.channels, o.allowed, o.allowed_set, o.last_modified, o.revision, o.tombstone
		FROM objects_by_channel c
		JOIN objects o ON o.url = c.url
		WHERE c.channel = $1 AND c.index_key >= $2 AND c.index_key <= $3
		ORDER BY c.index_key ASC
	`, channel, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: range %s: %w", channel, err)
	}
	defer rows.Close()

	var result []kvstore.IndexRow
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: range %s: scan: %w", channel, err)
		}
		result = append(result, kvstore.IndexRow{Doc: obj})
	}
	return result, rows.Err()
}

// PurgeTombstones hard-deletes up to limit tombstoned rows written before
// the unix-nanosecond instant before; ON DELETE CASCADE removes their
// channel and actor index rows.
func (b *Backend) PurgeTombstones(ctx context.Context, before int64, limit int) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM objects WHERE url IN (
			SELECT url FROM objects WHERE tombstone AND written_at < $1 LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge_tombstones: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RangeByActor scans the owner-scoped orphan recovery index for actor.
func (b *Backend) RangeByActor(ctx context.Context, actor string) ([]model.Object, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT o.url, o.actor, o.value, o.channels, o.allowed, o.allowed_set, o.last_modified, o.revision, o.tombstone
		FROM objects_by_actor a
		JOIN objects o ON o.url = a.url
		WHERE a.actor = $1
		ORDER BY o.last_modified ASC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("postgres: range_by_actor %s: %w", actor, err)
	}
	defer rows.Close()

	var result []model.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: range_by_actor %s: scan: %w", actor, err)
		}
		result = append(result, obj)
	}
	return result, rows.Err()
}
