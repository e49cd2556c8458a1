package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var _metricsNamespace = "alexandria"

// NewMetrics creates a Prometheus registry with default collectors already
// registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// metricsCollector is what the engine reports. noMetrics keeps tests and
// optional wiring quiet.
type metricsCollector interface {
	ProviderCall(provider string, found bool)
	QuotaDenied()
	EntityUpserted(entityType string, created bool)
	MessageProcessed(queue, outcome string)
	CacheHit()
	CacheMiss()
}

type engineMetrics struct {
	providers *prometheus.CounterVec
	quota     prometheus.Counter
	upserts   *prometheus.CounterVec
	messages  *prometheus.CounterVec
	cache     *prometheus.CounterVec
}

type noMetrics struct{}

var (
	_ metricsCollector = (*engineMetrics)(nil)
	_ metricsCollector = noMetrics{}
)

func newEngineMetrics(reg *prometheus.Registry) *engineMetrics {
	m := &engineMetrics{
		providers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: _metricsNamespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Outbound provider calls by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		quota: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: _metricsNamespace,
				Subsystem: "quota",
				Name:      "denials_total",
				Help:      "Operations denied by the daily quota.",
			},
		),
		upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: _metricsNamespace,
				Subsystem: "writer",
				Name:      "upserts_total",
				Help:      "Merge-writer upserts by entity type and operation.",
			},
			[]string{"entity", "operation"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: _metricsNamespace,
				Subsystem: "queue",
				Name:      "messages_total",
				Help:      "Queue messages by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: _metricsNamespace,
				Subsystem: "cache",
				Name:      "total",
				Help:      "Totals for the cache system.",
			},
			[]string{"type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.providers, m.quota, m.upserts, m.messages, m.cache)
	}
	return m
}

func (m *engineMetrics) ProviderCall(provider string, found bool) {
	outcome := "miss"
	if found {
		outcome = "hit"
	}
	m.providers.WithLabelValues(provider, outcome).Inc()
}

func (m *engineMetrics) QuotaDenied() {
	m.quota.Inc()
}

func (m *engineMetrics) EntityUpserted(entityType string, created bool) {
	operation := "update"
	if created {
		operation = "create"
	}
	m.upserts.WithLabelValues(entityType, operation).Inc()
}

func (m *engineMetrics) MessageProcessed(queue, outcome string) {
	m.messages.WithLabelValues(queue, outcome).Inc()
}

func (m *engineMetrics) CacheHit()  { m.cache.WithLabelValues("hits").Inc() }
func (m *engineMetrics) CacheMiss() { m.cache.WithLabelValues("misses").Inc() }

func (noMetrics) ProviderCall(string, bool)   {}
func (noMetrics) QuotaDenied()                {}
func (noMetrics) EntityUpserted(string, bool) {}
func (noMetrics) MessageProcessed(string, string) {
}
func (noMetrics) CacheHit()  {}
func (noMetrics) CacheMiss() {}

// _patternRE strips `{...}` segments from route patterns to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// instrument wraps an HTTP handler to record timing and status codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := normalizePattern(r.Pattern)
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

// normalizePattern derives the constant label from the pattern:
//
//	"/enrich/{isbn}"  → "/enrich"
//	"/quota/status"   → "/quota/status"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
