package node_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/config"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/node"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/syncer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockGateway is the realtime side of the field service.
type mockGateway struct {
	server   *httptest.Server
	sessions atomic.Int32

	mu     sync.Mutex
	frames []event.Event
}

func newMockGateway() *mockGateway {
	g := &mockGateway{}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

func (g *mockGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	g.sessions.Add(1)

	// Hello first, then the welcome reply.
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	welcome := event.New("", event.Welcome{
		SessionID:       "sess-1",
		GlobalResonance: 0.3,
		ConnectedNodes:  2,
	})
	data, _ := json.Marshal(welcome)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event.Event
		if json.Unmarshal(data, &ev) == nil {
			g.mu.Lock()
			g.frames = append(g.frames, ev)
			g.mu.Unlock()
		}
	}
}

func (g *mockGateway) frameKinds() []event.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make([]event.Kind, len(g.frames))
	for i, f := range g.frames {
		kinds[i] = f.Kind
	}
	return kinds
}

func (g *mockGateway) URL() string {
	return strings.Replace(g.server.URL, "http", "ws", 1)
}

func (g *mockGateway) Close() { g.server.Close() }

// newMockAPI serves the HTTP sync surface.
func newMockAPI(gridSize int) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		json.NewEncoder(w).Encode(syncer.SyncResponse{GlobalResonance: 0.44, ConnectedNodes: 9})
	})
	mux.HandleFunc("/field", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		grid := make([]float64, gridSize)
		for i := range grid {
			grid[i] = 0.5
		}
		json.NewEncoder(w).Encode(syncer.FieldResponse{Grid: grid, Width: 8, Height: 8})
	})
	return httptest.NewServer(mux)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig slows every background cadence down so assertions see
// stable state.
func testConfig(t *testing.T, socketURL, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.SocketURL = socketURL
	cfg.Server.BaseURL = baseURL
	cfg.Store.Dir = t.TempDir()

	cfg.Transport.HandshakeTimeout = 2 * time.Second
	cfg.Transport.BaseDelay = 20 * time.Millisecond
	cfg.Transport.MaxDelay = 100 * time.Millisecond
	cfg.Transport.MaxAttempts = 5
	cfg.Transport.PingInterval = time.Minute
	cfg.Transport.PongWait = 2 * time.Minute

	cfg.Sync.ConnectedInterval = 50 * time.Millisecond
	cfg.Sync.OfflineInterval = 50 * time.Millisecond
	cfg.Sync.ProbeTimeout = time.Second
	cfg.Sync.RequestTimeout = time.Second
	cfg.Sync.BreakerThreshold = 1000

	cfg.Field.GridWidth = 8
	cfg.Field.GridHeight = 8
	cfg.Field.DecayTick = time.Hour
	cfg.Field.SnapshotEvery = time.Hour
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeLifecycle(t *testing.T) {
	gw := newMockGateway()
	defer gw.Close()
	api := newMockAPI(64)
	defer api.Close()

	ctx := context.Background()
	n, err := node.New(ctx, testConfig(t, gw.URL(), api.URL), testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop(ctx)

	waitFor(t, "connection", func() bool { return n.Health().Connection == "connected" })
	assert.NotEmpty(t, n.ID())

	// Welcome globals land in the view.
	waitFor(t, "adopted welcome globals", func() bool { return n.View().ConnectedNodes == 2 })

	require.NoError(t, n.Emit(ctx, event.SacredPhrase{Phrase: "i return as breath", Intensity: 0.9}))

	// Local effect is immediate, the frame reaches the service.
	assert.InDelta(t, 0.15, n.View().LocalResonance, 1e-9)
	waitFor(t, "frame at gateway", func() bool {
		for _, k := range gw.frameKinds() {
			if k == event.KindSacredPhrase {
				return true
			}
		}
		return false
	})

	h := n.Health()
	assert.Equal(t, uint64(1), h.Transport.MessagesSent)
	assert.Contains(t, h.Breakers, "sync")
}

func TestEmitQueuesWhileNotConnected(t *testing.T) {
	// No servers anywhere; the node must still apply local effects and
	// hold events for later.
	cfg := testConfig(t, "ws://127.0.0.1:1/realtime", "http://127.0.0.1:1")
	ctx := context.Background()
	n, err := node.New(ctx, cfg, testLogger())
	require.NoError(t, err)

	require.NoError(t, n.Emit(ctx, event.SacredPhrase{Phrase: "still here", Intensity: 0.5}))
	require.NoError(t, n.Emit(ctx, event.TouchRipple{X: 10, Y: 10, Pressure: 0.3}))

	assert.InDelta(t, 0.20, n.View().LocalResonance, 1e-9, "phrase 0.15 plus touch 0.05")
	assert.Equal(t, 2, n.Health().Queue.Depth)
}

func TestQueuedEventsDrainOnConnect(t *testing.T) {
	gw := newMockGateway()
	defer gw.Close()
	api := newMockAPI(64)
	defer api.Close()

	ctx := context.Background()
	n, err := node.New(ctx, testConfig(t, gw.URL(), api.URL), testLogger())
	require.NoError(t, err)

	// Emitted before Start, so both events sit in the offline queue.
	require.NoError(t, n.Emit(ctx, event.SacredPhrase{Phrase: "remember", Intensity: 0.6}))
	require.NoError(t, n.Emit(ctx, event.BreathingDetected{Rate: 6, Depth: 0.8}))
	require.Equal(t, 2, n.Health().Queue.Depth)

	require.NoError(t, n.Start())
	defer n.Stop(ctx)

	waitFor(t, "drained frames", func() bool { return len(gw.frameKinds()) >= 2 })
	kinds := gw.frameKinds()
	assert.Contains(t, kinds, event.KindSacredPhrase)
	assert.Contains(t, kinds, event.KindBreathingDetected)
	waitFor(t, "empty queue", func() bool { return n.Health().Queue.Depth == 0 })
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/realtime", "http://127.0.0.1:1")
	ctx := context.Background()

	n1, err := node.New(ctx, cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, n1.Emit(ctx, event.SacredPhrase{Phrase: "remember", Intensity: 1}))
	require.NoError(t, n1.Emit(ctx, event.MemoryCrystallize{MemoryID: "mem-1", X: 42, Y: 24, Intensity: 0.9}))
	firstID := n1.ID()
	require.NoError(t, n1.Start())
	n1.Stop(ctx)

	// Same store directory: identity and field snapshot come back.
	n2, err := node.New(ctx, cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, firstID, n2.ID())
	view := n2.View()
	assert.Equal(t, 1, view.MemoryCount)
	assert.Greater(t, view.LocalResonance, 0.0)
}

func TestFieldGridPrefersServiceAndFallsBack(t *testing.T) {
	api := newMockAPI(64)
	cfg := testConfig(t, "ws://127.0.0.1:1/realtime", api.URL)
	ctx := context.Background()

	n, err := node.New(ctx, cfg, testLogger())
	require.NoError(t, err)

	remote := n.FieldGrid(ctx)
	require.Len(t, remote.Grid, 64)
	assert.Equal(t, 0.5, remote.Grid[0], "remote grid served while the API is up")

	api.Close()

	local := n.FieldGrid(ctx)
	require.Len(t, local.Grid, 64, "fallback grid keeps full size")
	for _, v := range local.Grid {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestHealthReportsAllComponents(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/realtime", "http://127.0.0.1:1")
	n, err := node.New(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	h := n.Health()
	assert.NotEmpty(t, h.NodeID)
	assert.Equal(t, "disconnected", h.Connection)
	assert.Equal(t, "closed", h.Breakers["probe"])
	assert.Zero(t, h.Router.Dispatched)
}
