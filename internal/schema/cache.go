package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/graffitidb/engine/internal/metrics"
)

// Cache memoizes Compile by a SHA-256 of the schema's raw bytes, so repeated
// discover/continue calls that pass byte-identical schemas skip
// recompilation. The bytes are not canonicalized: the same schema written
// with different whitespace or key order is compiled and cached separately.
type Cache struct {
	inner *ristretto.Cache[string, *Compiled]
}

// NewCache builds a Cache with the given maximum cost budget, measured in
// bytes of schema source: each cached entry costs the length of its raw
// schema.
func NewCache(maxCost int64) (*Cache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, *Compiled]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Compile returns a cached Compiled schema for raw, compiling and storing
// it on first use.
func (c *Cache) Compile(raw json.RawMessage) (*Compiled, error) {
	key := cacheKey(raw)
	if compiled, ok := c.inner.Get(key); ok {
		if metrics.SchemaCacheHitsTotal != nil {
			metrics.SchemaCacheHitsTotal.Inc()
		}
		return compiled, nil
	}
	if metrics.SchemaCacheMissesTotal != nil {
		metrics.SchemaCacheMissesTotal.Inc()
	}
	compiled, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	c.inner.Set(key, compiled, int64(len(raw)))
	c.inner.Wait()
	return compiled, nil
}

func cacheKey(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
