// Package metrics registers the engine's Prometheus instrumentation: the
// five public operations plus backend latency, each exported through
// promauto.With(registerer) so constant labels apply uniformly.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// BackendLatency is recorded by kvstore.Backend wrappers per call.
	BackendLatency *prometheus.HistogramVec

	SchemaCacheHitsTotal   prometheus.Counter
	SchemaCacheMissesTotal prometheus.Counter

	ContinuationsDelayedTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR}/$VAR environment expansion.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initOnce sync.Once

// Init registers every metric with the given constant labels. Safe to call
// multiple times; only the first call registers.
func Init(constLabels prometheus.Labels) {
	initOnce.Do(func() {
		initInner(constLabels)
	})
}

func initInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	OperationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "graffiti_operations_total",
		Help: "Total number of engine operations, by operation and outcome.",
	}, []string{"operation", "outcome"})

	OperationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graffiti_operation_duration_seconds",
		Help:    "Engine operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	BackendLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graffiti_backend_latency_seconds",
		Help:    "kvstore.Backend call latency in seconds, by backend method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	SchemaCacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "graffiti_schema_cache_hits_total",
		Help: "Compiled schema cache hits.",
	})
	SchemaCacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "graffiti_schema_cache_misses_total",
		Help: "Compiled schema cache misses.",
	})

	ContinuationsDelayedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "graffiti_continuations_delayed_total",
		Help: "Number of continue() calls delayed by the continueBuffer rate limiter.",
	})
}

// ObserveOperation records duration and outcome for an engine operation.
func ObserveOperation(operation string, start time.Time, err error) {
	if OperationDuration == nil {
		return // Init was never called; metrics are opt-in
	}
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
}
