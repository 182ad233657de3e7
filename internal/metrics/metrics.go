// Package metrics holds the prometheus collectors for memory operations.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics owns a private registry so several managers (and tests) never
// collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	// Operations counts manager calls by op and result (ok | denied | error).
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	// CacheLookups counts fast layer reads by result (hit | miss).
	CacheLookups      *prometheus.CounterVec
	CacheEvictions    prometheus.Counter
	PermissionDenials *prometheus.CounterVec
	CacheEntries      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tree_ring_operations_total",
				Help: "Memory manager operations by result",
			},
			[]string{"op", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tree_ring_operation_duration_seconds",
				Help:    "Memory manager operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tree_ring_cache_lookups_total",
				Help: "Fast layer lookups by result",
			},
			[]string{"result"},
		),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tree_ring_cache_evictions_total",
			Help: "Fast layer entries evicted for capacity",
		}),
		PermissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tree_ring_permission_denials_total",
				Help: "Requests refused by the permission gate",
			},
			[]string{"op"},
		),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tree_ring_cache_entries",
			Help: "Entries currently held by the fast layer",
		}),
	}
	m.Registry.MustRegister(
		m.Operations, m.Duration,
		m.CacheLookups, m.CacheEvictions,
		m.PermissionDenials, m.CacheEntries,
	)
	return m
}

// Result labels.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

// ObserveOp records one finished operation started at start.
func (m *Metrics) ObserveOp(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}

func (m *Metrics) Denied(op string) {
	if m == nil {
		return
	}
	m.PermissionDenials.WithLabelValues(op).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// WritePrometheus writes the registry in the text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
