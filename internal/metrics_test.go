package internal

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEngineMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	m := newEngineMetrics(reg)

	m.ProviderCall("isbndb", true)
	m.ProviderCall("isbndb", false)
	m.QuotaDenied()
	m.EntityUpserted("edition", true)
	m.EntityUpserted("edition", false)
	m.MessageProcessed("enrichment", "ack")
	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.providers.WithLabelValues("isbndb", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providers.WithLabelValues("isbndb", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quota))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upserts.WithLabelValues("edition", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upserts.WithLabelValues("edition", "update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("enrichment", "ack")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cache.WithLabelValues("hits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cache.WithLabelValues("misses")))
}

func TestNormalizePattern(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/backfill", normalizePattern("/backfill/{jobID}"))
	assert.Equal(t, "/quota/status", normalizePattern("/quota/status"))
	assert.Equal(t, "/enrich", normalizePattern("/enrich/"))
	assert.Equal(t, "", normalizePattern(""))
}
