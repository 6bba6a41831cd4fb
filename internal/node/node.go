// Package node assembles the field node: persistence, identity, field
// state, routing, realtime transport, the sync scheduler and the
// entanglement manager, with the lifecycle loops that tie them
// together.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/bus"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/config"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/entangle"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/identity"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/novelty"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/queue"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/router"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/store"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/syncer"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/transport"
)

// Node is one participant in the consciousness field.
type Node struct {
	cfg    *config.Config
	id     identity.Identity
	logger *slog.Logger

	store     store.Store
	bus       *bus.Bus
	state     *field.State
	engine    *field.Engine
	queue     *queue.Queue
	scorer    *novelty.Scorer
	router    *router.Router
	transport *transport.Manager
	client    *syncer.Client
	scheduler *syncer.Scheduler
	entangle  *entangle.Manager

	shutdown chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	wg       sync.WaitGroup
}

// Health aggregates component state for operators.
type Health struct {
	NodeID     string                  `json:"node_id"`
	Connection string                  `json:"connection"`
	Field      field.View              `json:"field"`
	Transport  transport.Metrics       `json:"transport"`
	Queue      queue.Stats             `json:"queue"`
	Router     router.Metrics          `json:"router"`
	Sync       syncer.SchedulerMetrics `json:"sync"`
	Entangle   entangle.Metrics        `json:"entangle"`
	Engine     field.EngineMetrics     `json:"engine"`
	Breakers   map[string]string       `json:"breakers"`
}

// New builds a node from configuration. The store is opened, identity
// loaded or minted, and any persisted queue and field snapshot
// restored before this returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	id, err := identity.LoadOrCreate(ctx, st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log := logger.With("node_id", identity.ShortID(id.ID))

	n := &Node{
		cfg:      cfg,
		id:       id,
		logger:   log,
		store:    st,
		bus:      bus.New(log),
		shutdown: make(chan struct{}),
	}

	n.state = field.NewState(cfg.Field.GhostEchoLimit, cfg.Field.DecayFactor, log)
	n.restoreSnapshot(ctx)

	n.engine = field.NewEngine(engineConfig(cfg.Field), log)

	n.queue = queue.New(cfg.Queue.Capacity, st, log)
	n.queue.Load(ctx)

	n.scorer = novelty.NewScorer(cfg.Novelty.Clusters, cfg.Novelty.Threshold)

	n.router = router.New(id.ID, n.state, n.scorer, n.bus, routerConfig(cfg.Router), log)

	n.transport = transport.NewManager(id.ID,
		[]string{"field", "entangle", "archaeology"},
		transportConfig(cfg),
		n.bus, log)

	n.client = syncer.NewClient(syncer.ClientConfig{
		BaseURL:          cfg.Server.BaseURL,
		ProbeTimeout:     cfg.Sync.ProbeTimeout,
		RequestTimeout:   cfg.Sync.RequestTimeout,
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		BreakerCooldown:  cfg.Sync.BreakerCooldown,
	}, log)

	n.scheduler = syncer.NewScheduler(id.ID, n.client, n.queue, n.state, n.bus,
		n.transport.IsConnected,
		syncer.SchedulerConfig{
			ConnectedInterval: cfg.Sync.ConnectedInterval,
			OfflineInterval:   cfg.Sync.OfflineInterval,
		}, log)

	n.entangle = entangle.NewManager(id.ID, n.state, entangle.Config{
		ICEServers:         cfg.Entangle.ICEServers,
		SyncInterval:       cfg.Entangle.SyncInterval,
		NegotiationTimeout: cfg.Entangle.NegotiationTimeout,
		MaxLinks:           cfg.Entangle.MaxLinks,
	}, n.transport.Send, n.router.Dispatch, log)

	n.router.SetEntangleHook(n.entangle.HandleSignal)
	n.transport.SetConnectHook(n.onConnected)

	return n, nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisDB, cfg.Namespace, logger)
	default:
		return store.NewFileStore(cfg.Dir, logger)
	}
}

func engineConfig(cfg config.FieldConfig) field.EngineConfig {
	ec := field.DefaultEngineConfig()
	ec.Width = cfg.GridWidth
	ec.Height = cfg.GridHeight
	ec.DomainSize = cfg.DomainSize
	ec.CellSize = cfg.CellSize
	ec.InfluenceRadius = cfg.InfluenceRadius
	ec.DecayRate = cfg.DecayRate
	ec.NoiseAmplitude = cfg.NoiseAmplitude
	ec.CacheCapacity = cfg.CacheCapacity
	ec.CacheTTL = cfg.CacheTTL
	return ec
}

func routerConfig(cfg config.RouterConfig) router.Config {
	rc := router.DefaultConfig()
	if cfg.SeenTTL > 0 {
		rc.SeenTTL = cfg.SeenTTL
	}
	if cfg.EventsPerSecond > 0 {
		rc.RateLimit.EventsPerSecond = cfg.EventsPerSecond
	}
	if cfg.BurstSize > 0 {
		rc.RateLimit.BurstSize = cfg.BurstSize
	}
	if cfg.ExpectedElements > 0 {
		rc.BloomFilter.ExpectedElements = cfg.ExpectedElements
	}
	if cfg.FalsePositiveRate > 0 {
		rc.BloomFilter.FalsePositiveRate = cfg.FalsePositiveRate
	}
	return rc
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig()
	tc.URL = cfg.Server.SocketURL
	tc.ConnectionTimeout = cfg.Transport.HandshakeTimeout
	tc.WriteTimeout = cfg.Transport.WriteTimeout
	tc.PingInterval = cfg.Transport.PingInterval
	tc.PongTimeout = cfg.Transport.PongWait
	tc.BaseDelay = cfg.Transport.BaseDelay
	tc.MaxDelay = cfg.Transport.MaxDelay
	tc.MaxAttempts = cfg.Transport.MaxAttempts
	tc.InboundBuffer = cfg.Transport.InboundBuffer
	return tc
}

// Start brings up the transport, the scheduler and the node's own
// loops. Idempotent.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := n.transport.Start(); err != nil {
		n.running.Store(false)
		return err
	}
	n.scheduler.Start()

	n.wg.Add(4)
	go n.inboundLoop()
	go n.decayLoop()
	go n.snapshotLoop()
	go n.maintenanceLoop()

	n.logger.Info("node started",
		"socket_url", n.cfg.Server.SocketURL,
		"base_url", n.cfg.Server.BaseURL,
		"store", n.cfg.Store.Backend)
	return nil
}

// Stop shuts everything down in dependency order and persists a final
// snapshot.
func (n *Node) Stop(ctx context.Context) {
	if !n.running.Load() {
		return
	}
	n.stopOnce.Do(func() {
		close(n.shutdown)
	})

	n.scheduler.Stop()
	n.entangle.Stop()
	n.transport.Stop()
	n.wg.Wait()

	n.persistSnapshot(ctx)
	if err := n.store.Close(); err != nil {
		n.logger.Warn("store close failed", "error", err)
	}
	n.running.Store(false)
	n.logger.Info("node stopped")
}

// Emit applies a local action to the field and propagates it: straight
// to the socket while connected, into the offline queue otherwise.
func (n *Node) Emit(ctx context.Context, payload event.Payload) error {
	ev := event.New(n.id.ID, payload)

	// Local effects apply immediately regardless of connectivity.
	if err := n.router.Dispatch(ev); err != nil {
		return err
	}

	// Ghost echoes ride the direct channels too.
	if ev.Kind == event.KindGhostEcho {
		n.entangle.Broadcast(ev)
	}

	if n.transport.IsConnected() {
		if err := n.transport.Send(ev); err != nil {
			n.logger.Warn("send failed, queueing", "kind", ev.Kind, "error", err)
			n.queue.Enqueue(ctx, ev)
		}
		return nil
	}

	n.queue.Enqueue(ctx, ev)
	return nil
}

// EntanglePeer starts direct-channel negotiation with a partner node.
func (n *Node) EntanglePeer(partnerID string, strength float64) error {
	if err := n.entangle.Entangle(partnerID, strength); err != nil {
		return err
	}
	n.state.RecordEntanglement(partnerID, strength)
	return nil
}

// ReleasePeer drops the entanglement and tells the partner.
func (n *Node) ReleasePeer(partnerID string) error {
	err := n.entangle.Release(partnerID)
	n.state.ReleaseEntanglement(partnerID)
	return err
}

// FieldGrid returns the collective grid, asking the service first and
// computing locally when it is unreachable or returns garbage.
func (n *Node) FieldGrid(ctx context.Context) field.Result {
	points := n.state.ContributionPoints()
	local, global := n.state.Resonance()

	resp, err := n.client.QueryField(ctx, syncer.FieldRequest{
		OriginID:           n.id.ID,
		CurrentResonance:   local,
		ContributionPoints: points,
	})
	if err == nil {
		return field.Result{
			Grid:   n.engine.SanitizeRemote(resp.Grid),
			Width:  n.cfg.Field.GridWidth,
			Height: n.cfg.Field.GridHeight,
		}
	}
	n.logger.Debug("field query failed, computing locally", "error", err)

	return n.engine.Compute(field.Input{
		Points:               points,
		GlobalResonance:      global,
		CrystallizationRatio: n.state.CrystallizationRatio(),
	})
}

// NetworkLost and NetworkRestored forward platform reachability hints
// to the transport.
func (n *Node) NetworkLost()     { n.transport.NetworkLost() }
func (n *Node) NetworkRestored() { n.transport.NetworkRestored() }

// ID returns the persistent node identity.
func (n *Node) ID() string { return n.id.ID }

// View returns the current field summary.
func (n *Node) View() field.View { return n.state.GetView() }

// Bus exposes lifecycle notices for embedding surfaces.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Health reports component state and counters.
func (n *Node) Health() Health {
	return Health{
		NodeID:     n.id.ID,
		Connection: n.transport.State().String(),
		Field:      n.state.GetView(),
		Transport:  n.transport.GetMetrics(),
		Queue:      n.queue.GetStats(),
		Router:     n.router.GetMetrics(),
		Sync:       n.scheduler.GetMetrics(),
		Entangle:   n.entangle.GetMetrics(),
		Engine:     n.engine.GetMetrics(),
		Breakers: map[string]string{
			"probe": n.client.BreakerState("probe"),
			"sync":  n.client.BreakerState("sync"),
			"field": n.client.BreakerState("field"),
		},
	}
}

// onConnected runs once per successful connect: the one queue drain of
// the session, then a scheduler kick so reachability catches up.
func (n *Node) onConnected(welcome event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := n.queue.Drain(ctx)
	for i, ev := range events {
		if err := n.transport.Send(ev); err != nil {
			n.logger.Warn("drain interrupted, requeueing remainder",
				"sent", i, "remaining", len(events)-i, "error", err)
			n.queue.Requeue(ctx, events[i:])
			break
		}
	}
	if len(events) > 0 {
		n.logger.Info("offline queue drained", "events", len(events))
	}
	n.scheduler.Kick()
}

func (n *Node) inboundLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			return
		case ev, ok := <-n.transport.Inbound():
			if !ok {
				return
			}
			// Router logs per-event failures; nothing here is fatal.
			_ = n.router.Dispatch(ev)
		}
	}
}

func (n *Node) decayLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Field.DecayTick)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.state.Decay()
		}
	}
}

func (n *Node) snapshotLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Field.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n.persistSnapshot(ctx)
			cancel()
		}
	}
}

// maintenanceLoop sweeps expired cache entries, ages out dedup state
// and retrains the novelty model.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	interval := n.cfg.Router.SeenTTL / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.runMaintenance()
		}
	}
}

func (n *Node) runMaintenance() {
	if removed := n.engine.Cache().CleanupExpired(); removed > 0 {
		n.logger.Debug("field cache swept", "removed", removed)
	}
	n.router.CleanupSeen()
	if err := n.scorer.Retrain(); err != nil {
		n.logger.Debug("novelty retrain skipped", "error", err)
	}
}

func (n *Node) restoreSnapshot(ctx context.Context) {
	data, err := n.store.Get(ctx, store.KeyState)
	if err != nil {
		if !store.IsNotFound(err) {
			n.logger.Warn("snapshot read failed, starting fresh", "error", err)
		}
		return
	}
	var snap field.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		n.logger.Warn("snapshot corrupt, starting fresh", "error", err)
		return
	}
	n.state.RestoreSnapshot(snap)
	n.logger.Info("field snapshot restored",
		"resonance", snap.Resonance, "memories", len(snap.Memories))
}

func (n *Node) persistSnapshot(ctx context.Context) {
	snap := n.state.TakeSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		n.logger.Warn("snapshot encode failed", "error", err)
		return
	}
	if err := n.store.Set(ctx, store.KeyState, data); err != nil {
		n.logger.Warn("snapshot persist failed", "error", err)
	}
}
