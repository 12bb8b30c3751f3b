package rbac

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for authorization decisions.
type Metrics struct {
	decisions     *prometheus.CounterVec
	failures      prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	cacheUsers    prometheus.Gauge
	cacheEntries  prometheus.Gauge
	invalidations *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers the decision metrics against registerer. A nil
// registerer uses the Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func (m *Metrics) observeDecision(d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strconv.FormatBool(d.Granted), string(d.Source)).Inc()
}

func (m *Metrics) observeFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeInvalidation(scope string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(scope).Inc()
}

// ObserveCacheStats publishes cache occupancy.
func (m *Metrics) ObserveCacheStats(stats CacheStats) {
	if m == nil {
		return
	}
	m.cacheUsers.Set(float64(stats.Users))
	m.cacheEntries.Set(float64(stats.Entries))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_decisions_total",
		Help: "Authorization decisions partitioned by outcome and resolving step.",
	}, []string{"granted", "source"})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_authz_resolution_failures_total",
		Help: "Authorization decisions that could not be determined.",
	})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_cache_lookups_total",
		Help: "Decision cache lookups partitioned by result.",
	}, []string{"result"})
	users := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_authz_cache_users",
		Help: "Users currently holding cached decisions.",
	})
	entries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_authz_cache_entries",
		Help: "Cached decisions currently held.",
	})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_cache_invalidations_total",
		Help: "Decision cache invalidations partitioned by scope.",
	}, []string{"scope"})
	registerer.MustRegister(decisions, failures, lookups, users, entries, invalidations)
	return &Metrics{
		decisions:     decisions,
		failures:      failures,
		cacheLookups:  lookups,
		cacheUsers:    users,
		cacheEntries:  entries,
		invalidations: invalidations,
	}
}
