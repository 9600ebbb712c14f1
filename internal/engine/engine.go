// Package engine assembles the storage backend, codec, schema compiler,
// access control, object store, and discovery engine behind the five
// public operations: post, get, delete, discover, continue.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/graffitidb/engine/internal/discovery"
	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/metrics"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/objectstore"
	"github.com/graffitidb/engine/internal/policy"
	"github.com/graffitidb/engine/internal/ratelimit"
	"github.com/graffitidb/engine/internal/schema"
)

// Engine is the object database engine's public surface.
type Engine struct {
	store     *objectstore.Store
	discovery *discovery.Engine
}

// Options configures New. Backend is required; everything else has a
// usable default.
type Options struct {
	Backend        kvstore.Backend
	PolicyEngine   *policy.Engine // optional, nil disables the supplementary gate
	RateLimiter    ratelimit.Limiter
	ContinueBuffer time.Duration
	SchemaCacheCost int64
	NewRevision    objectstore.RevisionMinter
}

// New assembles an Engine from Options, instrumenting the backend with
// Prometheus latency observations.
func New(opts Options) (*Engine, error) {
	backend := kvstore.Wrap(opts.Backend)

	schemaCache, err := schema.NewCache(opts.SchemaCacheCost)
	if err != nil {
		return nil, err
	}

	rateLimiter := opts.RateLimiter
	if rateLimiter == nil {
		rateLimiter = ratelimit.NewLocal()
	}
	continueBuffer := opts.ContinueBuffer
	if continueBuffer <= 0 {
		continueBuffer = 2 * time.Second
	}
	newRevision := opts.NewRevision
	if newRevision == nil {
		newRevision = kvstore.NewRevision
	}

	return &Engine{
		store:     objectstore.New(backend, opts.PolicyEngine, newRevision),
		discovery: discovery.New(backend, schemaCache, rateLimiter, continueBuffer),
	}, nil
}

// Post mints a fresh object owned by sess.Actor.
func (e *Engine) Post(ctx context.Context, partial objectstore.PartialObject, sess *model.Session) (model.Object, error) {
	start := time.Now()
	obj, err := e.store.Post(ctx, partial, sess)
	metrics.ObserveOperation("post", start, err)
	return obj, err
}

// Get reads and masks the object at url, evaluating it against schemaRaw.
func (e *Engine) Get(ctx context.Context, url string, schemaRaw json.RawMessage, sess *model.Session) (model.Object, error) {
	start := time.Now()
	compiled, err := schema.Compile(schemaRaw)
	if err != nil {
		metrics.ObserveOperation("get", start, err)
		return model.Object{}, err
	}
	obj, err := e.store.Get(ctx, url, compiled, sess)
	metrics.ObserveOperation("get", start, err)
	return obj, err
}

// Delete tombstones the object at url, owner-only.
func (e *Engine) Delete(ctx context.Context, url string, sess *model.Session) error {
	start := time.Now()
	err := e.store.Delete(ctx, url, sess)
	metrics.ObserveOperation("delete", start, err)
	return err
}

// Discover streams objects across channels matching schemaRaw, emitting
// each via emit and returning a Continuation once exhausted.
func (e *Engine) Discover(ctx context.Context, channels []string, schemaRaw json.RawMessage, sess *model.Session, emit discovery.Emit) (discovery.Continuation, error) {
	start := time.Now()
	cont, err := e.discovery.Discover(ctx, channels, schemaRaw, sess, emit)
	metrics.ObserveOperation("discover", start, err)
	return cont, err
}

// Continue resumes a cursor previously returned by Discover or Continue.
func (e *Engine) Continue(ctx context.Context, cursor string, sess *model.Session, emit discovery.Emit) (discovery.Continuation, error) {
	start := time.Now()
	cont, err := e.discovery.Continue(ctx, cursor, sess, emit)
	metrics.ObserveOperation("continue", start, err)
	return cont, err
}
