package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/bus"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/queue"
)

// SchedulerConfig sets the sync cadence. The offline interval is the
// slower one used while the realtime channel is down.
type SchedulerConfig struct {
	ConnectedInterval time.Duration `yaml:"connected_interval" json:"connected_interval"`
	OfflineInterval   time.Duration `yaml:"offline_interval" json:"offline_interval"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ConnectedInterval: 12 * time.Second,
		OfflineInterval:   30 * time.Second,
	}
}

// SchedulerMetrics counts cycle outcomes.
type SchedulerMetrics struct {
	Cycles        uint64    `json:"cycles"`
	Skipped       uint64    `json:"skipped"`
	BatchesSent   uint64    `json:"batches_sent"`
	EventsSynced  uint64    `json:"events_synced"`
	ProbeFailures uint64    `json:"probe_failures"`
	SyncFailures  uint64    `json:"sync_failures"`
	LastSyncAt    time.Time `json:"last_sync_at"`
}

// Scheduler drains the offline queue toward the service on a timer.
// One cycle is probe, drain, push; a failed push puts the batch back
// so nothing is lost between cycles.
type Scheduler struct {
	nodeID    string
	client    *Client
	queue     *queue.Queue
	state     *field.State
	bus       *bus.Bus
	connected func() bool
	config    SchedulerConfig
	logger    *slog.Logger

	inFlight  atomic.Bool
	sequence  atomic.Uint64
	reachable atomic.Bool

	metricsMu sync.Mutex
	metrics   SchedulerMetrics

	kick     chan struct{}
	shutdown chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler wires the sync loop. connected reports whether the
// realtime channel is up, which only affects cadence.
func NewScheduler(nodeID string, client *Client, q *queue.Queue, state *field.State, b *bus.Bus, connected func() bool, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.ConnectedInterval <= 0 {
		config.ConnectedInterval = def.ConnectedInterval
	}
	if config.OfflineInterval <= 0 {
		config.OfflineInterval = def.OfflineInterval
	}
	return &Scheduler{
		nodeID:    nodeID,
		client:    client,
		queue:     q,
		state:     state,
		bus:       b,
		connected: connected,
		config:    config,
		logger:    logger.With("component", "syncer"),
		kick:      make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})
	s.wg.Wait()
}

// Kick schedules an immediate cycle without waiting out the interval.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs one cycle synchronously. Returns false when another
// cycle is already in flight.
func (s *Scheduler) SyncNow(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metricsMu.Lock()
		s.metrics.Skipped++
		s.metricsMu.Unlock()
		return false
	}
	defer s.inFlight.Store(false)
	s.cycle(ctx)
	return true
}

// Sequence is the last acknowledged batch sequence.
func (s *Scheduler) Sequence() uint64 {
	return s.sequence.Load()
}

func (s *Scheduler) GetMetrics() SchedulerMetrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.SyncNow(context.Background())
		timer.Reset(s.interval())
	}
}

func (s *Scheduler) interval() time.Duration {
	if s.connected != nil && s.connected() {
		return s.config.ConnectedInterval
	}
	return s.config.OfflineInterval
}

// cycle is probe, drain, push. The batch keeps its sequence across
// retries so the service can drop duplicates.
func (s *Scheduler) cycle(ctx context.Context) {
	s.metricsMu.Lock()
	s.metrics.Cycles++
	s.metricsMu.Unlock()

	if err := s.client.Probe(ctx); err != nil {
		s.metricsMu.Lock()
		s.metrics.ProbeFailures++
		s.metricsMu.Unlock()
		s.setReachable(false, err)
		return
	}
	s.setReachable(true, nil)

	events := s.queue.Drain(ctx)
	if len(events) == 0 {
		return
	}

	seq := s.sequence.Load() + 1
	resp, err := s.client.PushEvents(ctx, SyncRequest{
		Events:   events,
		OriginID: s.nodeID,
		Sequence: seq,
	})
	if err != nil {
		s.metricsMu.Lock()
		s.metrics.SyncFailures++
		s.metricsMu.Unlock()
		s.logger.Warn("batch push failed, requeueing", "events", len(events), "sequence", seq, "error", err)
		s.queue.Requeue(ctx, events)
		return
	}
	s.sequence.Store(seq)

	s.state.SetGlobal(resp.GlobalResonance, resp.ConnectedNodes)

	s.metricsMu.Lock()
	s.metrics.BatchesSent++
	s.metrics.EventsSynced += uint64(len(events))
	s.metrics.LastSyncAt = time.Now()
	s.metricsMu.Unlock()

	s.logger.Debug("batch synced",
		"events", len(events),
		"sequence", seq,
		"global_resonance", resp.GlobalResonance,
		"connected_nodes", resp.ConnectedNodes)
}

// setReachable publishes a notice only on transitions.
func (s *Scheduler) setReachable(ok bool, cause error) {
	was := s.reachable.Swap(ok)
	if was == ok {
		return
	}
	if ok {
		s.logger.Info("field service reachable")
		s.bus.Publish(bus.Notice{Kind: bus.NoticeReachable, Timestamp: time.Now()})
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.logger.Warn("field service degraded", "reason", reason)
	s.bus.Publish(bus.Notice{Kind: bus.NoticeDegraded, Timestamp: time.Now(), Reason: reason})
}
