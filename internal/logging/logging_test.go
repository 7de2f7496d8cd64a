package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	ctx := context.Background()

	l.Debug(ctx, "dispatched job", "job", 1)
	assert.Empty(t, buf.String())

	l.Info(ctx, "starting run", "jobs", 3)
	assert.Contains(t, buf.String(), "starting run")
	assert.Contains(t, buf.String(), "jobs=3")
}

func TestLogger_JSONWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, slog.LevelDebug).With("component", "coordinator")

	l.Error(context.Background(), "worker timed out", "rank", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "worker timed out", rec["msg"])
	assert.Equal(t, "coordinator", rec["component"])
	assert.Equal(t, float64(2), rec["rank"])
}
