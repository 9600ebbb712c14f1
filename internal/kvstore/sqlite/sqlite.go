// Package sqlite is the default, embedded kvstore.Backend, used for local
// development and as the primary target of the engine's test suite since
// it needs no external service.
//
// Self-registers via kvstore.Register from a blank import, backed by
// mattn/go-sqlite3 directly rather than an ORM: the engine's shape is an
// ordered key-value log plus a materialized-view index, which a row-per-
// struct model does not fit naturally.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/model"
)

func init() {
	kvstore.Register("sqlite", func(ctx context.Context, dbURL string) (kvstore.Backend, error) {
		return Open(ctx, dbURL)
	})
}

// Backend is a sqlite-backed kvstore.Backend.
type Backend struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at dbURL and
// installs its schema if absent.
func Open(ctx context.Context, dbURL string) (*Backend, error) {
	if dbURL == "" {
		dbURL = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dbURL)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", dbURL, err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; avoid SQLITE_BUSY churn
	b := &Backend{db: db}
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate installs the objects table and its two secondary index tables.
// Safe to call repeatedly.
func (b *Backend) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			url TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			value BLOB,
			channels TEXT NOT NULL,
			allowed TEXT,
			allowed_set INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			revision TEXT NOT NULL,
			tombstone INTEGER NOT NULL,
			written_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS objects_by_channel (
			channel TEXT NOT NULL,
			index_key TEXT NOT NULL,
			url TEXT NOT NULL,
			PRIMARY KEY (channel, index_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_by_channel_scan ON objects_by_channel (channel, index_key)`,
		`CREATE TABLE IF NOT EXISTS objects_by_actor (
			actor TEXT NOT NULL,
			url TEXT NOT NULL,
			PRIMARY KEY (actor, url)
		)`,
		`CREATE TABLE IF NOT EXISTS monotonic_seq (id INTEGER PRIMARY KEY CHECK (id = 1), value INTEGER NOT NULL)`,
		`INSERT OR IGNORE INTO monotonic_seq (id, value) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying *sql.DB.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Info returns the current monotonic sequence value.
func (b *Backend) Info(ctx context.Context) (int64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, `SELECT value FROM monotonic_seq WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: info: %w", err)
	}
	return seq, nil
}

// Get returns the object stored at url.
func (b *Backend) Get(ctx context.Context, url string) (model.Object, error) {
	obj, err := b.scanOne(ctx, url)
	if err != nil {
		return model.Object{}, err
	}
	return obj, nil
}

func (b *Backend) scanOne(ctx context.Context, url string) (model.Object, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone
		FROM objects WHERE url = ?`, url)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return model.Object{}, &model.NotFoundError{URL: url}
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("sqlite: get %s: %w", url, err)
	}
	return obj, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (model.Object, error) {
	var (
		obj          model.Object
		value        []byte
		channelsJSON string
		allowedJSON  sql.NullString
		allowedSet   int
		tombstone    int
	)
	if err := row.Scan(&obj.URL, &obj.Actor, &value, &channelsJSON, &allowedJSON, &allowedSet, &obj.LastModified, &obj.Revision, &tombstone); err != nil {
		return model.Object{}, err
	}
	if len(value) > 0 {
		obj.Value = json.RawMessage(value)
	}
	if channelsJSON != "" {
		_ = json.Unmarshal([]byte(channelsJSON), &obj.Channels)
	}
	if allowedJSON.Valid && allowedJSON.String != "" {
		_ = json.Unmarshal([]byte(allowedJSON.String), &obj.Allowed)
	}
	obj.AllowedSet = allowedSet != 0
	obj.Tombstone = tombstone != 0
	return obj, nil
}

// Put atomically stores obj, maintaining both secondary indexes, enforcing
// last-writer-wins against any existing record at the same url.
func (b *Backend) Put(ctx context.Context, obj model.Object) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: put: begin: %w", err)
	}
	defer tx.Rollback()

	if err := putOne(ctx, tx, obj); err != nil {
		return err
	}
	if err := bumpMonotonicSeq(ctx, tx, obj.LastModified); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkPut stores every object in objs as a single transaction.
func (b *Backend) BulkPut(ctx context.Context, objs []model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: bulk_put: begin: %w", err)
	}
	defer tx.Rollback()

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
	return tx.Commit()
}

func putOne(ctx context.Context, tx *sql.Tx, obj model.Object) error {
	existing, err := existingRevision(ctx, tx, obj.URL)
	if err != nil {
		return err
	}
	if existing != nil && !wins(obj, *existing) {
		return nil // last-writer-wins: this write lost the race, silently superseded
	}

	channelsJSON, _ := json.Marshal(obj.Channels)
	var allowedJSON any
	if obj.AllowedSet {
		b, _ := json.Marshal(obj.Allowed)
		allowedJSON = string(b)
	}
	tombstone := 0
	if obj.Tombstone {
		tombstone = 1
	}
	allowedSet := 0
	if obj.AllowedSet {
		allowedSet = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO objects (url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			actor=excluded.actor, value=excluded.value, channels=excluded.channels,
			allowed=excluded.allowed, allowed_set=excluded.allowed_set,
			last_modified=excluded.last_modified, revision=excluded.revision, tombstone=excluded.tombstone,
			written_at=excluded.written_at
	`, obj.URL, obj.Actor, []byte(obj.Value), string(channelsJSON), allowedJSON, allowedSet, obj.LastModified, obj.Revision, tombstone, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: put %s: %w", obj.URL, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects_by_channel WHERE url = ?`, obj.URL); err != nil {
		return fmt.Errorf("sqlite: put %s: clearing old index rows: %w", obj.URL, err)
	}
	for _, channel := range obj.Channels {
		key := kvstoreIndexKey(channel, obj.LastModified)
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO objects_by_channel (channel, index_key, url) VALUES (?, ?, ?)
		`, channel, key, obj.URL); err != nil {
			return fmt.Errorf("sqlite: put %s: index row: %w", obj.URL, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO objects_by_actor (actor, url) VALUES (?, ?)
	`, obj.Actor, obj.URL); err != nil {
		return fmt.Errorf("sqlite: put %s: actor index row: %w", obj.URL, err)
	}
	return nil
}

func existingRevision(ctx context.Context, tx *sql.Tx, url string) (*model.Object, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT url, actor, value, channels, allowed, allowed_set, last_modified, revision, tombstone
		FROM objects WHERE url = ?`, url)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: checking existing revision for %s: %w", url, err)
	}
	return &obj, nil
}

// wins reports whether candidate should replace current per the
// last-writer-wins rule: higher lastModified wins; ties are broken by the
// lexicographically larger revision id.
func wins(candidate, current model.Object) bool {
	if candidate.LastModified != current.LastModified {
		return candidate.LastModified > current.LastModified
	}
	return candidate.Revision > current.Revision
}

func bumpMonotonicSeq(ctx context.Context, tx *sql.Tx, atLeast int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE monotonic_seq SET value = MAX(value, ?) WHERE id = 1
	`, atLeast)
	if err != nil {
		return fmt.Errorf("sqlite: bumping monotonic sequence: %w", err)
	}
	return nil
}

// Range scans objects_by_channel for channel over [startSuffix, endSuffix].
func (b *Backend) Range(ctx context.Context, channel, startSuffix, endSuffix string) ([]kvstore.IndexRow, error) {
	start, end := kvstore.IndexKeyBounds(channel, startSuffix, endSuffix)

	rows, err := b.db.QueryContext(ctx, `
		SELECT o.url, o.actor, o.value, o.channels, o.allowed, o.allowed_set, o.last_modified, o.revision, o.tombstone, c.index_key
		FROM objects_by_channel c
		JOIN objects o ON o.url = c.url
		WHERE c.channel = ? AND c.index_key >= ? AND c.index_key <= ?
		ORDER BY c.index_key ASC
	`, channel, start, end)
	if err != nil {
		return nil, fmt.Errorf("sqlite: range %s: %w", channel, err)
	}
	defer rows.Close()

	var result []kvstore.IndexRow
	for rows.Next() {
		var (
			obj          model.Object
			value        []byte
			channelsJSON string
			allowedJSON  sql.NullString
			allowedSet   int
			tombstone    int
			indexKey     string
		)
		if err := rows.Scan(&obj.URL, &obj.Actor, &value, &channelsJSON, &allowedJSON, &allowedSet, &obj.LastModified, &obj.Revision, &tombstone, &indexKey); err != nil {
			return nil, fmt.Errorf("sqlite: range %s: scan: %w", channel, err)
		}
		if len(value) > 0 {
			obj.Value = json.RawMessage(value)
		}
		if channelsJSON != "" {
			_ = json.Unmarshal([]byte(channelsJSON), &obj.Channels)
		}
		if allowedJSON.Valid && allowedJSON.String != "" {
			_ = json.Unmarshal([]byte(allowedJSON.String), &obj.Allowed)
		}
		obj.AllowedSet = allowedSet != 0
		obj.Tombstone = tombstone != 0
		result = append(result, kvstore.IndexRow{Key: indexKey, Doc: obj})
	}
	return result, rows.Err()
}

// RangeByActor scans the owner-scoped orphan recovery index for actor.
func (b *Backend) RangeByActor(ctx context.Context, actor string) ([]model.Object, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT o.url, o.actor, o.value, o.channels, o.allowed, o.allowed_set, o.last_modified, o.revision, o.tombstone
		FROM objects_by_actor a
		JOIN objects o ON o.url = a.url
		WHERE a.actor = ?
		ORDER BY o.last_modified ASC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("sqlite: range_by_actor %s: %w", actor, err)
	}
	defer rows.Close()

	var result []model.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: range_by_actor %s: scan: %w", actor, err)
		}
		result = append(result, obj)
	}
	return result, rows.Err()
}

// PurgeTombstones hard-deletes up to limit tombstoned rows written before
// the unix-nanosecond instant before, along with their channel and actor
// index rows. Purging is wall-clock based (written_at), not lastModified
// based: lastModified is a logical sequence, not a timestamp, so it
// cannot express a retention window on its own.
func (b *Backend) PurgeTombstones(ctx context.Context, before int64, limit int) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT url FROM objects WHERE tombstone = 1 AND written_at < ? LIMIT ?
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge_tombstones: %w", err)
	}
	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: purge_tombstones: scan: %w", err)
		}
		urls = append(urls, url)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite: purge_tombstones: %w", err)
	}
	if len(urls) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge_tombstones: begin: %w", err)
	}
	defer tx.Rollback()
	for _, url := range urls {
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects_by_channel WHERE url = ?`, url); err != nil {
			return 0, fmt.Errorf("sqlite: purge_tombstones: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects_by_actor WHERE url = ?`, url); err != nil {
			return 0, fmt.Errorf("sqlite: purge_tombstones: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE url = ?`, url); err != nil {
			return 0, fmt.Errorf("sqlite: purge_tombstones: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: purge_tombstones: commit: %w", err)
	}
	return len(urls), nil
}

// NewRevision mints a fresh backend revision id for last-writer-wins
// tie-breaking.
func NewRevision() string {
	return uuid.NewString()
}

func kvstoreIndexKey(channel string, lastModified int64) string {
	return kvstore.IndexKey(channel, lastModified)
}
