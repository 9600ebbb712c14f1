// Package discovery implements the streaming discovery engine: discover
// and continue — snapshot watermark, per-channel index scan, cross-channel
// processed-url dedup, tombstone handling, masking, predicate evaluation,
// cursor serialization, and the continueBuffer rate limit.
//
// Modeled as a producer that calls back into an emit function for each
// event and returns a Continuation once the scan is exhausted: a callback
// is the idiomatic Go shape for a streaming contract without requiring the
// caller to manage iterator state.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/graffitidb/engine/internal/access"
	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/ratelimit"
	"github.com/graffitidb/engine/internal/schema"
)

// DiscoverEvent is a single emitted row: either a live, masked object, or
// (continue only) a tombstone notice.
type DiscoverEvent struct {
	Object    *model.Object `json:"object,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
	URL       string        `json:"url,omitempty"`
}

// Continuation is returned once a discover/continue scan is exhausted.
type Continuation struct {
	Cursor string `json:"cursor"`
}

// Emit is called once per event in scan order. Returning an error aborts
// the scan (the caller has abandoned the iterator; no backend locks are
// held across emits, so abandonment is always safe).
type Emit func(DiscoverEvent) error

// Engine is the discovery engine for one kvstore.Backend.
type Engine struct {
	Backend        kvstore.Backend
	SchemaCache    *schema.Cache
	RateLimiter    ratelimit.Limiter
	ContinueBuffer time.Duration
}

// New builds an Engine. rateLimiter may be nil, which disables the
// continueBuffer delay entirely (only appropriate for tests).
func New(backend kvstore.Backend, schemaCache *schema.Cache, rateLimiter ratelimit.Limiter, continueBuffer time.Duration) *Engine {
	return &Engine{Backend: backend, SchemaCache: schemaCache, RateLimiter: rateLimiter, ContinueBuffer: continueBuffer}
}

// Discover scans channels in order, applying schema, access, and masking,
// skipping tombstones (fresh streams never show deletions), and emits a
// Continuation once every channel has been scanned.
func (e *Engine) Discover(ctx context.Context, channels []string, schemaRaw json.RawMessage, sess *model.Session, emit Emit) (Continuation, error) {
	compiled, err := e.compile(schemaRaw)
	if err != nil {
		return Continuation{}, err
	}
	startSuffix, endSuffix := compiled.Range()

	startClock, err := e.Backend.Info(ctx)
	if err != nil {
		return Continuation{}, fmt.Errorf("discovery: discover: %w", err)
	}

	processed := map[string]struct{}{}
	for _, channel := range channels {
		rows, err := e.Backend.Range(ctx, channel, startSuffix, endSuffix)
		if err != nil {
			return Continuation{}, fmt.Errorf("discovery: discover: scanning channel %q: %w", channel, err)
		}
		for _, row := range rows {
			if err := e.emitLiveRow(row.Doc, channels, sess, compiled, processed, false, emit); err != nil {
				return Continuation{}, err
			}
		}
	}

	return e.buildCursor(channels, compiled.Raw(), sess, startClock, startClock)
}

// Continue resumes a cursor produced by Discover or a prior Continue. It
// narrows the scan range to [max(originalMin, ifModifiedSince), originalMax]
// and, unlike Discover, emits tombstones instead of skipping them.
func (e *Engine) Continue(ctx context.Context, rawCursor string, sess *model.Session, emit Emit) (Continuation, error) {
	cur, err := decodeCursor(rawCursor)
	if err != nil {
		return Continuation{}, err
	}
	bound := cur.boundActor()
	if bound != "" && bound != actorOf(sess) {
		return Continuation{}, &model.ForbiddenError{URL: rawCursor, Reason: "cursor is bound to a different actor"}
	}

	if e.RateLimiter != nil && e.ContinueBuffer > 0 {
		key := rateLimitKey(bound, cur.Channels)
		if err := e.RateLimiter.Wait(ctx, key, e.ContinueBuffer); err != nil {
			return Continuation{}, fmt.Errorf("discovery: continue: rate limit: %w", err)
		}
	}

	compiled, err := e.compile(cur.Schema)
	if err != nil {
		return Continuation{}, err
	}
	originalMin, endSuffix := compiled.Range()
	startSuffix := originalMin
	if narrowed := kvstore.Pad15(cur.ContinueParams.IfModifiedSince); narrowed > startSuffix {
		startSuffix = narrowed
	}

	scanStartClock, err := e.Backend.Info(ctx)
	if err != nil {
		return Continuation{}, fmt.Errorf("discovery: continue: %w", err)
	}

	processed := map[string]struct{}{}
	greatestObserved := cur.ContinueParams.LastDiscovered
	for _, channel := range cur.Channels {
		rows, err := e.Backend.Range(ctx, channel, startSuffix, endSuffix)
		if err != nil {
			return Continuation{}, fmt.Errorf("discovery: continue: scanning channel %q: %w", channel, err)
		}
		for _, row := range rows {
			if row.Doc.LastModified > greatestObserved {
				greatestObserved = row.Doc.LastModified
			}
			if err := e.emitLiveRow(row.Doc, cur.Channels, sess, compiled, processed, true, emit); err != nil {
				return Continuation{}, err
			}
		}
	}

	watermark := greatestObserved
	if scanStartClock > watermark {
		watermark = scanStartClock
	}
	return e.buildCursor(cur.Channels, compiled.Raw(), sess, watermark, watermark)
}

func (e *Engine) compile(raw json.RawMessage) (*schema.Compiled, error) {
	if e.SchemaCache != nil {
		return e.SchemaCache.Compile(raw)
	}
	return schema.Compile(raw)
}

func (e *Engine) emitLiveRow(obj model.Object, queriedChannels []string, sess *model.Session, compiled *schema.Compiled, processed map[string]struct{}, emitTombstones bool, emit Emit) error {
	if _, dup := processed[obj.URL]; dup {
		return nil
	}
	processed[obj.URL] = struct{}{}

	if obj.Tombstone {
		if !emitTombstones {
			return nil
		}
		return emit(DiscoverEvent{Tombstone: true, URL: obj.URL})
	}

	if !access.IsVisible(obj, sess) {
		return nil
	}
	masked := access.Mask(obj, queriedChannels, sess)
	if !compiled.Matches(masked) {
		return nil
	}
	return emit(DiscoverEvent{Object: &masked})
}

func (e *Engine) buildCursor(channels []string, schemaRaw json.RawMessage, sess *model.Session, lastDiscovered, ifModifiedSince int64) (Continuation, error) {
	var actor *string
	if !sess.Anonymous() {
		a := sess.Actor
		actor = &a
	}
	raw, err := encodeCursor(cursor{
		Channels: channels,
		Schema:   schemaRaw,
		ContinueParams: continueParams{
			LastDiscovered:  lastDiscovered,
			IfModifiedSince: ifModifiedSince,
		},
		Actor: actor,
	})
	if err != nil {
		return Continuation{}, err
	}
	return Continuation{Cursor: raw}, nil
}

func actorOf(sess *model.Session) string {
	if sess == nil {
		return ""
	}
	return sess.Actor
}

func rateLimitKey(actor string, channels []string) string {
	if actor == "" {
		actor = "anonymous"
	}
	return actor + "|" + strings.Join(channels, ",")
}
