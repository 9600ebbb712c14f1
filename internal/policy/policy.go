// Package policy implements a supplementary, optional deny gate layered on
// top of the engine's required access.IsVisible/access.Mask functions. It
// can only narrow visibility a caller would otherwise have, never widen it.
//
// A hot-reloadable OPA/Rego bundle with a PrepareForEval-cached query.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/open-policy-agent/opa/rego"
)

// defaultAllowRego allows every request; with this bundle in effect the
// Engine is a no-op.
const defaultAllowRego = `
package graffiti.access

default allow = true
`

// Context carries the facts a policy may condition on, beyond what
// access.IsVisible already decided.
type Context struct {
	Actor    string
	URL      string
	Channels []string
	Op       string // always "get": only objectstore.Store.Get consults the policy; delete and discovery do not
}

// Engine evaluates a single Rego policy that may deny an operation
// access.IsVisible already permitted. It is safe for concurrent use; Reload
// hot-swaps the compiled query under a lock.
type Engine struct {
	mu     sync.RWMutex
	query  *rego.PreparedEvalQuery
	source string
}

// NewEngine compiles bundlePath (if non-empty) or the default allow-all
// bundle otherwise. A bundlePath that cannot be read is logged as a
// warning and the default allow-all bundle is compiled in its place.
func NewEngine(ctx context.Context, bundlePath string) (*Engine, error) {
	e := &Engine{}
	if err := e.load(ctx, bundlePath); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(ctx context.Context, bundlePath string) error {
	src := defaultAllowRego
	if bundlePath != "" {
		data, err := os.ReadFile(bundlePath)
		if err != nil {
			log.Warn("policy: bundle not found, falling back to allow-all", "path", bundlePath, "err", err)
		} else {
			src = string(data)
		}
	}
	q, err := prepareQuery(ctx, src)
	if err != nil {
		return fmt.Errorf("policy: compiling bundle: %w", err)
	}
	e.mu.Lock()
	e.query = q
	e.source = src
	e.mu.Unlock()
	return nil
}

// Reload hot-reloads the bundle from bundlePath.
func (e *Engine) Reload(ctx context.Context, bundlePath string) error {
	return e.load(ctx, bundlePath)
}

// Source returns the currently active Rego policy text.
func (e *Engine) Source() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

func prepareQuery(ctx context.Context, src string) (*rego.PreparedEvalQuery, error) {
	src = strings.TrimSpace(src)
	r := rego.New(
		rego.Query("data.graffiti.access.allow"),
		rego.Module("policy.rego", src),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &pq, nil
}

// Allow evaluates the bundle against pc. A malformed or missing result is
// treated as "deny" — the bundle is a denial gate, and fail-closed is the
// safer default for an optional security layer.
func (e *Engine) Allow(ctx context.Context, pc Context) (bool, error) {
	e.mu.RLock()
	q := *e.query
	e.mu.RUnlock()

	input := map[string]interface{}{
		"actor":    pc.Actor,
		"url":      pc.URL,
		"channels": pc.Channels,
		"op":       pc.Op,
	}
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	return allow, nil
}
