package kvstore

import (
	"context"
	"time"

	"github.com/graffitidb/engine/internal/metrics"
	"github.com/graffitidb/engine/internal/model"
)

// Wrap decorates inner so every call records its latency via
// metrics.BackendLatency.
func Wrap(inner Backend) Backend {
	return &instrumented{inner: inner}
}

type instrumented struct {
	inner Backend
}

func observe(method string, start time.Time) {
	if metrics.BackendLatency == nil {
		return
	}
	metrics.BackendLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (w *instrumented) Get(ctx context.Context, url string) (model.Object, error) {
	defer observe("get", time.Now())
	return w.inner.Get(ctx, url)
}

func (w *instrumented) Put(ctx context.Context, obj model.Object) error {
	defer observe("put", time.Now())
	return w.inner.Put(ctx, obj)
}

func (w *instrumented) BulkPut(ctx context.Context, objs []model.Object) error {
	defer observe("bulk_put", time.Now())
	return w.inner.BulkPut(ctx, objs)
}

func (w *instrumented) Range(ctx context.Context, channel, startSuffix, endSuffix string) ([]IndexRow, error) {
	defer observe("range", time.Now())
	return w.inner.Range(ctx, channel, startSuffix, endSuffix)
}

func (w *instrumented) RangeByActor(ctx context.Context, actor string) ([]model.Object, error) {
	defer observe("range_by_actor", time.Now())
	return w.inner.RangeByActor(ctx, actor)
}

func (w *instrumented) PurgeTombstones(ctx context.Context, before int64, limit int) (int, error) {
	defer observe("purge_tombstones", time.Now())
	return w.inner.PurgeTombstones(ctx, before, limit)
}

func (w *instrumented) Info(ctx context.Context) (int64, error) {
	defer observe("info", time.Now())
	return w.inner.Info(ctx)
}

func (w *instrumented) Migrate(ctx context.Context) error {
	defer observe("migrate", time.Now())
	return w.inner.Migrate(ctx)
}

func (w *instrumented) Close() error {
	return w.inner.Close()
}
