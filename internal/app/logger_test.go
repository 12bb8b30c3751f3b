package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONCarriesServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"}, &buf)

	logger.Info("dropped")
	require.Zero(t, buf.Len(), "info is below the configured level")

	logger.Warn("rbac decision", slog.String("user_id", "u1"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "rbac decision", entry["msg"])
	require.Equal(t, "authz", entry["service"])
	require.Equal(t, "staging", entry["env"])
	require.Equal(t, "u1", entry["user_id"])
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("")
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)

	level, err = parseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	_, err = parseLevel("loud")
	require.Error(t, err)
}
