package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, registry *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(families))
	for _, family := range families {
		out[family.GetName()] = family.GetMetric()
	}
	return out
}

func labelled(metrics []*dto.Metric, name, value string) float64 {
	for _, m := range metrics {
		for _, pair := range m.GetLabel() {
			if pair.GetName() == name && pair.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestEngineRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.role(t, "staff", 3, "orders:read")
	f.user(t, "s1", "staff")

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	engine := NewEngine(f.count, f.cache, newTestLogger(), EngineConfig{Now: f.clock.Now, StoreTimeout: time.Second}, WithMetrics(metrics))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := engine.Authorize(ctx, "s1", "orders:read")
		require.NoError(t, err)
		require.True(t, ok)
	}
	engine.InvalidateUserCache(ctx, "s1")

	f.count.setFailure(errors.New("db down"))
	_, err := engine.Authorize(ctx, "s1", "orders:read")
	require.ErrorIs(t, err, ErrResolutionFailure)

	metrics.ObserveCacheStats(CacheStats{Users: 3, Entries: 7})

	got := gathered(t, registry)
	require.Equal(t, 1.0, labelled(got["odyssey_authz_cache_lookups_total"], "result", "hit"))
	require.Equal(t, 1.0, labelled(got["odyssey_authz_cache_lookups_total"], "result", "miss"))
	require.Equal(t, 1.0, labelled(got["odyssey_authz_decisions_total"], "source", string(SourceRole)))
	require.Equal(t, 1.0, labelled(got["odyssey_authz_decisions_total"], "source", string(SourceCache)))
	require.Equal(t, 1.0, labelled(got["odyssey_authz_cache_invalidations_total"], "scope", "user"))
	require.Equal(t, 1.0, got["odyssey_authz_resolution_failures_total"][0].GetCounter().GetValue())
	require.Equal(t, 7.0, got["odyssey_authz_cache_entries"][0].GetGauge().GetValue())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.observeDecision(Decision{Granted: true, Source: SourceRole})
	m.observeFailure()
	m.observeCache(true)
	m.observeInvalidation("all")
	m.ObserveCacheStats(CacheStats{})
}
