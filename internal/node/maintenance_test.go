package node

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/config"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
)

func TestMaintenanceSweepsExpiredGrids(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SocketURL = "ws://127.0.0.1:1/realtime"
	cfg.Server.BaseURL = "http://127.0.0.1:1"
	cfg.Store.Dir = t.TempDir()
	cfg.Field.CacheTTL = 20 * time.Millisecond

	n, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	n.engine.Compute(field.Input{GlobalResonance: 0.4})
	require.Equal(t, 1, n.engine.Cache().GetMetrics().Size)

	time.Sleep(40 * time.Millisecond)
	n.runMaintenance()

	m := n.engine.Cache().GetMetrics()
	assert.Zero(t, m.Size, "stale grids leave on the sweep, not on the next access")
	assert.Equal(t, uint64(1), m.Expired)
}
