package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "super_admin", cfg.SuperRole)
	require.Equal(t, 5*time.Minute, cfg.CacheTTL)
	require.Equal(t, 32, cfg.CacheShards)
	require.Equal(t, time.Minute, cfg.CacheSweepInterval)
	require.Equal(t, 3*time.Second, cfg.StoreTimeout)
	require.Equal(t, "rbac.invalidate", cfg.InvalidationChannel)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadRanges(t *testing.T) {
	cases := map[string]string{
		"AUTHZ_CACHE_TTL":            "0s",
		"AUTHZ_CACHE_SHARDS":         "0",
		"AUTHZ_CACHE_SWEEP_INTERVAL": "-1s",
		"AUTHZ_STORE_TIMEOUT":        "0s",
		"LOG_LEVEL":                  "chatty",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTHZ_SUPER_ROLE", "root")
	t.Setenv("AUTHZ_CACHE_SHARDS", "64")
	t.Setenv("AUTHZ_BROADCAST", "false")
	t.Setenv("AUTHZ_INVALIDATION_CHANNEL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "root", cfg.SuperRole)
	require.Equal(t, 64, cfg.CacheShards)
	require.False(t, cfg.Broadcast)
}
