package alerting

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FireAndQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, Alert{
		Kind: "graph.cycle_rejected", EntityType: "rule", EntityID: "r-1",
		Message: "edge would close a cycle",
	}))
	require.NoError(t, m.Fire(ctx, Alert{
		Severity: SeverityCritical, Kind: "graph.retries_exhausted",
		EntityType: "rule", EntityID: "r-2", Message: "giving up",
	}))

	all := m.Fired()
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].FiredAt.IsZero())
	// Unset severity defaults to warning.
	assert.Equal(t, SeverityWarning, all[0].Severity)
	assert.Equal(t, SeverityCritical, all[1].Severity)

	cycles := m.ByKind("graph.cycle_rejected")
	require.Len(t, cycles, 1)
	assert.Equal(t, "r-1", cycles[0].EntityID)
}

func TestLogSink_LevelsBySeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewLogSink(logger)
	ctx := context.Background()

	require.NoError(t, sink.Fire(ctx, Alert{Severity: SeverityInfo, Kind: "sweep.done", Message: "sweep finished"}))
	require.NoError(t, sink.Fire(ctx, Alert{Severity: SeverityCritical, Kind: "graph.retries_exhausted", Message: "giving up"}))

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "sweep.done")
	assert.Contains(t, out, "graph.retries_exhausted")
}

func TestFanout_DeliversEverywhere(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	fan := Fanout{a, b}

	require.NoError(t, fan.Fire(context.Background(), Alert{Kind: "x", Message: "m"}))
	require.Len(t, a.Fired(), 1)
	require.Len(t, b.Fired(), 1)
	assert.Equal(t, a.Fired()[0].ID, b.Fired()[0].ID)
}
