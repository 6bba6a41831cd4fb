package field

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/spatial"
)

// Reinforcement gains per event kind.
const (
	phraseGain    = 0.15
	touchGain     = 0.05
	breathGain    = 0.10
	spiralGain    = 0.12
	echoGain      = 0.02
	resonanceEps  = 0.001
	pulseWeight   = 1.0
	memoryWeight  = 1.0
	unformedScale = 0.4
)

const maxSnapshotMemories = 48

// Memory is one remembered contribution to the field.
type Memory struct {
	ID           string  `json:"id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Intensity    float64 `json:"intensity"`
	Crystallized bool    `json:"crystallized"`
	Timestamp    int64   `json:"timestamp"`
}

// GhostEcho is a replayed phrase from the past, kept in a bounded ring.
type GhostEcho struct {
	EchoID     string `json:"echoId"`
	Text       string `json:"text"`
	SourceID   string `json:"sourceId"`
	ReceivedAt int64  `json:"receivedAt"`
}

// Link records an entanglement with another node.
type Link struct {
	PartnerID string  `json:"partnerId"`
	Strength  float64 `json:"strength"`
	Direct    bool    `json:"direct"`
	Since     int64   `json:"since"`
}

// Pulse is a short-lived high-weight contribution.
type Pulse struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Strength  float64 `json:"strength"`
	ExpiresAt int64   `json:"expiresAt"`
}

// Snapshot is the persisted last-known state.
type Snapshot struct {
	Resonance float64                `json:"resonance"`
	Coherence float64                `json:"coherence"`
	Memories  []event.MemorySnapshot `json:"memories"`
	UpdatedAt int64                  `json:"updatedAt"`
}

// View is a read-only summary for consumers and logging.
type View struct {
	LocalResonance  float64 `json:"local_resonance"`
	GlobalResonance float64 `json:"global_resonance"`
	Coherence       float64 `json:"coherence"`
	ConnectedNodes  int     `json:"connected_nodes"`
	MemoryCount     int     `json:"memory_count"`
	Crystallized    int     `json:"crystallized"`
	GhostEchoes     int     `json:"ghost_echoes"`
	Entanglements   int     `json:"entanglements"`
	ActivePulses    int     `json:"active_pulses"`
}

// State owns every derived field value the handlers mutate. It is
// constructed once at startup and passed by reference; all access is
// mutex-guarded so no caller observes a half-applied mutation.
type State struct {
	mu sync.RWMutex

	localResonance  float64
	globalResonance float64
	coherence       float64
	connectedNodes  int

	memories      map[string]Memory
	ghostEchoes   []GhostEcho
	ghostLimit    int
	entanglements map[string]Link
	pulses        []Pulse
	phraseCounts  map[string]int

	decayFactor float64
	logger      *slog.Logger
	now         func() time.Time
}

// NewState creates an empty field state.
func NewState(ghostLimit int, decayFactor float64, logger *slog.Logger) *State {
	return &State{
		memories:      make(map[string]Memory),
		ghostLimit:    ghostLimit,
		entanglements: make(map[string]Link),
		phraseCounts:  make(map[string]int),
		decayFactor:   decayFactor,
		logger:        logger.With("component", "field-state"),
		now:           time.Now,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// ApplyPhrase reinforces local resonance from a recognized phrase.
func (s *State) ApplyPhrase(phrase string, intensity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phraseCounts[phrase]++
	s.localResonance = clamp01(s.localResonance + clamp01(intensity)*phraseGain)
}

// ApplyTouch reinforces from a touch ripple.
func (s *State) ApplyTouch(pressure float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localResonance = clamp01(s.localResonance + clamp01(pressure)*touchGain)
}

// ApplyBreathing reinforces coherence from a sustained rhythm.
func (s *State) ApplyBreathing(depth float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coherence = clamp01(s.coherence + clamp01(depth)*breathGain)
}

// ApplySpiral reinforces from a traced spiral.
func (s *State) ApplySpiral(turns float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gain := spiralGain * math.Min(turns, 3) / 3
	s.localResonance = clamp01(s.localResonance + gain)
}

// Bloom forces local resonance and coherence to 1.0 and crystallizes
// every tracked memory.
func (s *State) Bloom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localResonance = 1.0
	s.coherence = 1.0
	for id, m := range s.memories {
		m.Crystallized = true
		s.memories[id] = m
	}
	s.logger.Info("collective bloom applied", "memories", len(s.memories))
}

// AddGhostEcho appends to the ring, dropping the oldest past the cap.
func (s *State) AddGhostEcho(echo GhostEcho) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if echo.ReceivedAt == 0 {
		echo.ReceivedAt = s.now().UnixMilli()
	}
	s.ghostEchoes = append(s.ghostEchoes, echo)
	if len(s.ghostEchoes) > s.ghostLimit {
		s.ghostEchoes = s.ghostEchoes[len(s.ghostEchoes)-s.ghostLimit:]
	}
	s.localResonance = clamp01(s.localResonance + echoGain)
}

// UpsertMemory records or refreshes a memory.
func (s *State) UpsertMemory(m Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Timestamp == 0 {
		m.Timestamp = s.now().UnixMilli()
	}
	if existing, ok := s.memories[m.ID]; ok {
		// Crystallization never reverts, intensity keeps its peak.
		m.Crystallized = m.Crystallized || existing.Crystallized
		m.Intensity = math.Max(m.Intensity, existing.Intensity)
	}
	s.memories[m.ID] = m
}

// Crystallize marks one memory crystallized, reporting whether it was
// known.
func (s *State) Crystallize(memoryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return false
	}
	m.Crystallized = true
	s.memories[memoryID] = m
	return true
}

// AddPulse records a short-lived contribution.
func (s *State) AddPulse(p Pulse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulses = append(s.pulses, p)
}

// SetGlobal adopts service-reported aggregates.
func (s *State) SetGlobal(resonance float64, nodes int) {
	if math.IsNaN(resonance) || math.IsInf(resonance, 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalResonance = clamp01(resonance)
	if nodes >= 0 {
		s.connectedNodes = nodes
	}
}

// SetNodeCount adopts a node-count notice.
func (s *State) SetNodeCount(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedNodes = n
}

// MergePortal folds in a snapshot from an entangled peer: resonance
// and coherence take the maximum, memories union.
func (s *State) MergePortal(resonance, coherence float64, memories []event.MemorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localResonance = clamp01(math.Max(s.localResonance, resonance))
	s.coherence = clamp01(math.Max(s.coherence, coherence))
	s.mergeMemoriesLocked(memories)
}

// MergeArchaeology folds in excavated memories from a past epoch.
func (s *State) MergeArchaeology(memories []event.MemorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeMemoriesLocked(memories)
}

func (s *State) mergeMemoriesLocked(memories []event.MemorySnapshot) {
	for _, ms := range memories {
		if ms.ID == "" || !isFinite(ms.X) || !isFinite(ms.Y) || !isFinite(ms.Intensity) {
			continue
		}
		m := Memory{
			ID:           ms.ID,
			X:            ms.X,
			Y:            ms.Y,
			Intensity:    clamp01(ms.Intensity),
			Crystallized: ms.Crystallized,
			Timestamp:    ms.Timestamp,
		}
		if existing, ok := s.memories[m.ID]; ok {
			m.Crystallized = m.Crystallized || existing.Crystallized
			m.Intensity = math.Max(m.Intensity, existing.Intensity)
			if existing.Timestamp > m.Timestamp {
				m.Timestamp = existing.Timestamp
			}
		}
		s.memories[m.ID] = m
	}
}

// RecordEntanglement tracks a link with a partner node.
func (s *State) RecordEntanglement(partnerID string, strength float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.entanglements[partnerID]
	if !ok {
		link = Link{PartnerID: partnerID, Since: s.now().UnixMilli()}
	}
	link.Strength = clamp01(math.Max(link.Strength, strength))
	s.entanglements[partnerID] = link
}

// SetEntanglementDirect flags whether the direct channel is open.
func (s *State) SetEntanglementDirect(partnerID string, direct bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.entanglements[partnerID]; ok {
		link.Direct = direct
		s.entanglements[partnerID] = link
	}
}

// ReleaseEntanglement drops the link.
func (s *State) ReleaseEntanglement(partnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entanglements, partnerID)
}

// Decay applies one geometric decay step and expires stale pulses.
func (s *State) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localResonance *= s.decayFactor
	s.coherence *= s.decayFactor
	s.globalResonance *= s.decayFactor
	if s.localResonance < resonanceEps {
		s.localResonance = 0
	}
	if s.coherence < resonanceEps {
		s.coherence = 0
	}
	if s.globalResonance < resonanceEps {
		s.globalResonance = 0
	}

	nowMs := s.now().UnixMilli()
	kept := s.pulses[:0]
	for _, p := range s.pulses {
		if p.ExpiresAt > nowMs {
			kept = append(kept, p)
		}
	}
	s.pulses = kept
}

// ContributionPoints derives the points feeding the field engine:
// memories weighted by intensity (uncrystallized scaled down) plus
// unexpired pulses.
func (s *State) ContributionPoints() []spatial.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nowMs := s.now().UnixMilli()
	points := make([]spatial.Point, 0, len(s.memories)+len(s.pulses))
	for _, m := range s.memories {
		w := m.Intensity * memoryWeight
		if !m.Crystallized {
			w *= unformedScale
		}
		points = append(points, spatial.Point{X: m.X, Y: m.Y, Weight: w, ID: m.ID})
	}
	for _, p := range s.pulses {
		if p.ExpiresAt > nowMs {
			points = append(points, spatial.Point{X: p.X, Y: p.Y, Weight: p.Strength * pulseWeight, ID: p.ID})
		}
	}
	return points
}

// CrystallizationRatio is crystallized over total memories, 0 when
// empty.
func (s *State) CrystallizationRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.memories) == 0 {
		return 0
	}
	n := 0
	for _, m := range s.memories {
		if m.Crystallized {
			n++
		}
	}
	return float64(n) / float64(len(s.memories))
}

// Resonance returns (local, global).
func (s *State) Resonance() (float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localResonance, s.globalResonance
}

// Ghosts returns a copy of the echo ring, oldest first.
func (s *State) Ghosts() []GhostEcho {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GhostEcho, len(s.ghostEchoes))
	copy(out, s.ghostEchoes)
	return out
}

// Links returns a copy of the entanglement links.
func (s *State) Links() []Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Link, 0, len(s.entanglements))
	for _, l := range s.entanglements {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out
}

// GetView returns the read-only summary.
func (s *State) GetView() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crystallized := 0
	for _, m := range s.memories {
		if m.Crystallized {
			crystallized++
		}
	}
	nowMs := s.now().UnixMilli()
	active := 0
	for _, p := range s.pulses {
		if p.ExpiresAt > nowMs {
			active++
		}
	}
	return View{
		LocalResonance:  s.localResonance,
		GlobalResonance: s.globalResonance,
		Coherence:       s.coherence,
		ConnectedNodes:  s.connectedNodes,
		MemoryCount:     len(s.memories),
		Crystallized:    crystallized,
		GhostEchoes:     len(s.ghostEchoes),
		Entanglements:   len(s.entanglements),
		ActivePulses:    active,
	}
}

// TakeSnapshot captures the persisted form: resonance, coherence and
// the most recent memories.
func (s *State) TakeSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mems := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		mems = append(mems, m)
	}
	sort.Slice(mems, func(i, j int) bool { return mems[i].Timestamp > mems[j].Timestamp })
	if len(mems) > maxSnapshotMemories {
		mems = mems[:maxSnapshotMemories]
	}

	snaps := make([]event.MemorySnapshot, len(mems))
	for i, m := range mems {
		snaps[i] = event.MemorySnapshot{
			ID: m.ID, X: m.X, Y: m.Y,
			Intensity: m.Intensity, Crystallized: m.Crystallized, Timestamp: m.Timestamp,
		}
	}
	return Snapshot{
		Resonance: s.localResonance,
		Coherence: s.coherence,
		Memories:  snaps,
		UpdatedAt: s.now().UnixMilli(),
	}
}

// RestoreSnapshot loads a persisted snapshot over the empty state.
func (s *State) RestoreSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localResonance = clamp01(snap.Resonance)
	s.coherence = clamp01(snap.Coherence)
	s.mergeMemoriesLocked(snap.Memories)
	s.logger.Info("state restored", "resonance", s.localResonance, "memories", len(s.memories))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
