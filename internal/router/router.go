// Package router is the single dispatch point for decoded events. Each
// event kind routes to exactly one handler, in delivery order; unknown
// kinds are logged and counted, never fatal.
package router

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/bus"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/novelty"
)

// Origin key used for events the service emits without an origin node.
const serviceOrigin = "service"

const defaultPulseTTL = 10 * time.Second

// Handler processes one decoded event.
type Handler func(ev event.Event) error

// Config holds router configuration.
type Config struct {
	SeenTTL   time.Duration `json:"seen_ttl"`
	RateLimit struct {
		EventsPerSecond int64 `json:"events_per_second"`
		BurstSize       int64 `json:"burst_size"`
	} `json:"rate_limit"`
	BloomFilter struct {
		ExpectedElements  uint    `json:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate"`
	} `json:"bloom_filter"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	config := Config{
		SeenTTL: 5 * time.Minute,
	}
	config.RateLimit.EventsPerSecond = 50
	config.RateLimit.BurstSize = 100
	config.BloomFilter.ExpectedElements = 10000
	config.BloomFilter.FalsePositiveRate = 0.01
	return config
}

// Metrics tracks dispatch outcomes.
type Metrics struct {
	Dispatched    uint64 `json:"dispatched"`
	Unknown       uint64 `json:"unknown"`
	Duplicates    uint64 `json:"duplicates"`
	RateLimited   uint64 `json:"rate_limited"`
	HandlerErrors uint64 `json:"handler_errors"`
	SeenSize      int    `json:"seen_size"`
}

// Router dispatches events into the field state.
type Router struct {
	nodeID string
	state  *field.State
	scorer *novelty.Scorer
	bus    *bus.Bus

	handlers   map[event.Kind]Handler
	handlersMu sync.RWMutex

	// Deduplication with Bloom filter and TTL-based exact confirmation.
	seenFilter *bloom.BloomFilter
	seenTimes  map[string]time.Time
	seenMu     sync.Mutex

	// Rate limiting per origin (Token Bucket).
	limiter      *limiter.TokenBucket
	limiterStore store.Store

	// Entanglement events addressed to this node hand their negotiation
	// payload to the direct-channel layer.
	onEntangle func(origin string, p event.Entanglement)
	hookMu     sync.RWMutex

	metrics   Metrics
	metricsMu sync.RWMutex

	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a router with the default handlers registered. The
// scorer may be nil, which disables novelty crystallization.
func New(nodeID string, state *field.State, scorer *novelty.Scorer, b *bus.Bus, config Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	bf := bloom.NewWithEstimates(
		config.BloomFilter.ExpectedElements,
		config.BloomFilter.FalsePositiveRate,
	)

	r := &Router{
		nodeID:     nodeID,
		state:      state,
		scorer:     scorer,
		bus:        b,
		handlers:   make(map[event.Kind]Handler),
		seenFilter: bf,
		seenTimes:  make(map[string]time.Time),
		config:     config,
		logger:     logger.With("component", "router"),
		now:        time.Now,
	}

	r.limiterStore = store.NewMemoryStore(time.Minute)
	r.limiter, _ = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.RateLimit.EventsPerSecond,
			Duration: time.Second,
			Burst:    config.RateLimit.BurstSize,
		},
		r.limiterStore,
	)

	r.registerDefaultHandlers()
	return r
}

// Register installs the handler for a kind, replacing any existing one.
func (r *Router) Register(kind event.Kind, h Handler) {
	r.handlersMu.Lock()
	r.handlers[kind] = h
	r.handlersMu.Unlock()
}

// SetEntangleHook wires the direct-channel negotiation callback.
func (r *Router) SetEntangleHook(fn func(origin string, p event.Entanglement)) {
	r.hookMu.Lock()
	r.onEntangle = fn
	r.hookMu.Unlock()
}

// Dispatch routes one event to its handler. Duplicates and unknown
// kinds are suppressed without error; rate-limited origins and handler
// failures return a coded error the caller logs and moves past.
func (r *Router) Dispatch(ev event.Event) error {
	origin := ev.OriginID
	if origin == "" {
		origin = serviceOrigin
	}

	// Our own events never count against the limit.
	if origin != r.nodeID && !r.checkRateLimit(origin) {
		r.metricsMu.Lock()
		r.metrics.RateLimited++
		r.metricsMu.Unlock()
		return errs.ErrRateLimited(origin)
	}

	if ev.ID != "" && r.isDuplicate(ev.ID) {
		r.metricsMu.Lock()
		r.metrics.Duplicates++
		r.metricsMu.Unlock()
		r.logger.Debug("duplicate event suppressed", "id", ev.ID, "kind", ev.Kind)
		return nil
	}
	if ev.ID != "" {
		r.markSeen(ev.ID)
	}

	r.handlersMu.RLock()
	handler, exists := r.handlers[ev.Kind]
	r.handlersMu.RUnlock()

	if !exists {
		r.metricsMu.Lock()
		r.metrics.Unknown++
		r.metricsMu.Unlock()
		r.logger.Warn("unknown event kind, ignoring", "kind", ev.Kind, "origin", origin)
		return nil
	}

	if err := handler(ev); err != nil {
		r.metricsMu.Lock()
		r.metrics.HandlerErrors++
		r.metricsMu.Unlock()
		r.logger.Warn("handler failed",
			"kind", ev.Kind,
			"origin", origin,
			"error", err)
		return err
	}

	r.metricsMu.Lock()
	r.metrics.Dispatched++
	r.metricsMu.Unlock()
	return nil
}

// checkRateLimit checks if an origin is within its token budget.
func (r *Router) checkRateLimit(origin string) bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow(origin)
}

// isDuplicate reports whether an event ID was already dispatched. The
// bloom filter is the fast path; a hit is confirmed against the exact
// map so false positives never drop fresh events.
func (r *Router) isDuplicate(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if !r.seenFilter.Test([]byte(id)) {
		return false
	}
	seenAt, ok := r.seenTimes[id]
	if !ok {
		return false
	}
	return r.now().Sub(seenAt) <= r.config.SeenTTL
}

func (r *Router) markSeen(id string) {
	r.seenMu.Lock()
	r.seenFilter.Add([]byte(id))
	r.seenTimes[id] = r.now()
	r.seenMu.Unlock()
}

// CleanupSeen drops expired dedup entries and resets the bloom filter
// once the exact map empties. Called from the node maintenance loop.
func (r *Router) CleanupSeen() {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := r.now()
	for id, seenAt := range r.seenTimes {
		if now.Sub(seenAt) > r.config.SeenTTL {
			delete(r.seenTimes, id)
		}
	}

	if len(r.seenTimes) == 0 {
		r.seenFilter = bloom.NewWithEstimates(
			r.config.BloomFilter.ExpectedElements,
			r.config.BloomFilter.FalsePositiveRate,
		)
	}
}

// GetMetrics returns a copy of the dispatch metrics.
func (r *Router) GetMetrics() Metrics {
	r.metricsMu.RLock()
	m := r.metrics
	r.metricsMu.RUnlock()

	r.seenMu.Lock()
	m.SeenSize = len(r.seenTimes)
	r.seenMu.Unlock()
	return m
}

func (r *Router) registerDefaultHandlers() {
	r.Register(event.KindSacredPhrase, func(ev event.Event) error {
		p, ok := ev.Payload.(event.SacredPhrase)
		if !ok {
			return errs.ErrMalformedInput("sacred-phrase payload")
		}
		r.state.ApplyPhrase(p.Phrase, p.Intensity)
		return nil
	})

	r.Register(event.KindMemoryCrystallize, func(ev event.Event) error {
		p, ok := ev.Payload.(event.MemoryCrystallize)
		if !ok {
			return errs.ErrMalformedInput("memory-crystallize payload")
		}
		r.state.UpsertMemory(field.Memory{
			ID:           p.MemoryID,
			X:            p.X,
			Y:            p.Y,
			Intensity:    p.Intensity,
			Crystallized: true,
		})
		return nil
	})

	r.Register(event.KindCrystallization, func(ev event.Event) error {
		p, ok := ev.Payload.(event.Crystallization)
		if !ok {
			return errs.ErrMalformedInput("crystallization payload")
		}
		r.state.UpsertMemory(field.Memory{
			ID:           p.MemoryID,
			X:            p.X,
			Y:            p.Y,
			Intensity:    p.Intensity,
			Crystallized: true,
		})
		return nil
	})

	r.Register(event.KindFieldUpdate, func(ev event.Event) error {
		p, ok := ev.Payload.(event.FieldUpdate)
		if !ok {
			return errs.ErrMalformedInput("field-update payload")
		}
		r.state.SetGlobal(p.GlobalResonance, p.ConnectedNodes)
		return nil
	})

	r.Register(event.KindPulseCreate, func(ev event.Event) error {
		p, ok := ev.Payload.(event.PulseCreate)
		if !ok {
			return errs.ErrMalformedInput("pulse-create payload")
		}
		ttl := time.Duration(p.TTLMs) * time.Millisecond
		if ttl <= 0 {
			ttl = defaultPulseTTL
		}
		r.state.AddPulse(field.Pulse{
			ID:        ev.ID,
			X:         p.X,
			Y:         p.Y,
			Strength:  p.Strength,
			ExpiresAt: r.now().Add(ttl).UnixMilli(),
		})
		return nil
	})

	r.Register(event.KindTouchRipple, func(ev event.Event) error {
		p, ok := ev.Payload.(event.TouchRipple)
		if !ok {
			return errs.ErrMalformedInput("touch-ripple payload")
		}
		r.state.ApplyTouch(p.Pressure)
		return nil
	})

	r.Register(event.KindBreathingDetected, func(ev event.Event) error {
		p, ok := ev.Payload.(event.BreathingDetected)
		if !ok {
			return errs.ErrMalformedInput("breathing-detected payload")
		}
		r.state.ApplyBreathing(p.Depth)
		return nil
	})

	r.Register(event.KindSpiralGesture, r.handleSpiral)

	r.Register(event.KindCollectiveBloom, func(ev event.Event) error {
		if _, ok := ev.Payload.(event.CollectiveBloom); !ok {
			return errs.ErrMalformedInput("collective-bloom payload")
		}
		r.state.Bloom()
		return nil
	})

	r.Register(event.KindGhostEcho, func(ev event.Event) error {
		p, ok := ev.Payload.(event.GhostEcho)
		if !ok {
			return errs.ErrMalformedInput("ghost-echo payload")
		}
		r.state.AddGhostEcho(field.GhostEcho{
			EchoID:   p.EchoID,
			Text:     p.Text,
			SourceID: p.SourceID,
		})
		return nil
	})

	r.Register(event.KindEntanglement, r.handleEntanglement)

	r.Register(event.KindPortalSync, func(ev event.Event) error {
		p, ok := ev.Payload.(event.PortalSync)
		if !ok {
			return errs.ErrMalformedInput("portal-sync payload")
		}
		r.state.MergePortal(p.Resonance, p.Coherence, p.Memories)
		return nil
	})

	r.Register(event.KindArchaeologySync, func(ev event.Event) error {
		p, ok := ev.Payload.(event.ArchaeologySync)
		if !ok {
			return errs.ErrMalformedInput("archaeology-sync payload")
		}
		r.logger.Debug("merging excavated memories", "epoch", p.Epoch, "count", len(p.Memories))
		r.state.MergeArchaeology(p.Memories)
		return nil
	})

	r.Register(event.KindWelcome, func(ev event.Event) error {
		p, ok := ev.Payload.(event.Welcome)
		if !ok {
			return errs.ErrMalformedInput("welcome payload")
		}
		r.state.SetGlobal(p.GlobalResonance, p.ConnectedNodes)
		r.bus.Publish(bus.Notice{Kind: bus.NoticeNodeCount, NodeCount: p.ConnectedNodes})
		return nil
	})

	r.Register(event.KindNodeCount, func(ev event.Event) error {
		p, ok := ev.Payload.(event.NodeCount)
		if !ok {
			return errs.ErrMalformedInput("node-count payload")
		}
		r.state.SetNodeCount(p.Count)
		r.bus.Publish(bus.Notice{Kind: bus.NoticeNodeCount, NodeCount: p.Count})
		return nil
	})
}

func (r *Router) handleSpiral(ev event.Event) error {
	p, ok := ev.Payload.(event.SpiralGesture)
	if !ok {
		return errs.ErrMalformedInput("spiral-gesture payload")
	}
	r.state.ApplySpiral(p.Turns)

	if r.scorer == nil || ev.ID == "" {
		return nil
	}
	intensity := math.Min(p.Turns, 3) / 3
	if r.scorer.IsNovel(p.X, p.Y, intensity) {
		r.state.UpsertMemory(field.Memory{
			ID:           "spiral-" + ev.ID,
			X:            p.X,
			Y:            p.Y,
			Intensity:    intensity,
			Crystallized: true,
		})
		r.logger.Info("novel spiral crystallized", "x", p.X, "y", p.Y)
	}
	return nil
}

func (r *Router) handleEntanglement(ev event.Event) error {
	p, ok := ev.Payload.(event.Entanglement)
	if !ok {
		return errs.ErrMalformedInput("entanglement payload")
	}

	// Resolve the link partner; links between two other nodes are not
	// ours to track.
	var partner string
	switch {
	case p.PartnerID == r.nodeID && ev.OriginID != "":
		partner = ev.OriginID
	case ev.OriginID == r.nodeID || ev.OriginID == "":
		partner = p.PartnerID
	default:
		return nil
	}
	if partner == "" || partner == r.nodeID {
		return nil
	}

	if p.Phase == event.EntanglePhaseRelease {
		r.state.ReleaseEntanglement(partner)
	} else {
		r.state.RecordEntanglement(partner, p.Strength)
	}

	// Negotiation phases addressed to us go to the direct-channel layer.
	if p.PartnerID == r.nodeID {
		r.hookMu.RLock()
		hook := r.onEntangle
		r.hookMu.RUnlock()
		if hook != nil {
			hook(ev.OriginID, p)
		}
	}
	return nil
}
