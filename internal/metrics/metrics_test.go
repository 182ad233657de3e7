package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveOp("get", ResultOK, time.Now())
	m.ObserveOp("get", ResultOK, time.Now())
	m.ObserveOp("update", ResultDenied, time.Now())
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.Evicted()
	m.Denied("write")
	m.SetCacheEntries(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("get", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("update", ResultDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionDenials.WithLabelValues("write")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CacheEntries))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Evicted()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheEvictions))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheEvictions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOp("get", ResultOK, time.Now())
	m.CacheLookup(true)
	m.Evicted()
	m.Denied("read")
	m.SetCacheEntries(1)
}

func TestWritePrometheus(t *testing.T) {
	m := New()
	m.ObserveOp("search", ResultOK, time.Now())
	m.Denied("seed")

	var buf bytes.Buffer
	require.NoError(t, m.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `tree_ring_operations_total{op="search",result="ok"} 1`)
	assert.Contains(t, out, `tree_ring_permission_denials_total{op="seed"} 1`)
	assert.Contains(t, out, "# TYPE tree_ring_operation_duration_seconds histogram")
	assert.Contains(t, out, "tree_ring_cache_entries 0")
}
