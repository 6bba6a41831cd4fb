package field

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/spatial"
)

// Engine term weights.
const (
	baseCoupling      = 0.35
	periodicAmplitude = 0.03
	spiralAmplitude   = 0.08
	spiralArms        = 3.0
)

// EngineConfig tunes the field computation.
type EngineConfig struct {
	Width                    int           `json:"width"`
	Height                   int           `json:"height"`
	DomainSize               float64       `json:"domain_size"`
	CellSize                 float64       `json:"cell_size"`
	InfluenceRadius          float64       `json:"influence_radius"`
	DecayRate                float64       `json:"decay_rate"`
	NoiseAmplitude           float64       `json:"noise_amplitude"`
	PhaseStep                float64       `json:"phase_step"`
	FallbackValue            float64       `json:"fallback_value"`
	SpiralCrystalThreshold   float64       `json:"spiral_crystal_threshold"`
	SpiralResonanceThreshold float64       `json:"spiral_resonance_threshold"`
	CacheCapacity            int           `json:"cache_capacity"`
	CacheTTL                 time.Duration `json:"cache_ttl"`
}

// DefaultEngineConfig returns the stock tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Width:                    32,
		Height:                   32,
		DomainSize:               100,
		CellSize:                 10,
		InfluenceRadius:          25,
		DecayRate:                0.08,
		NoiseAmplitude:           0.04,
		PhaseStep:                0.02,
		FallbackValue:            0.1,
		SpiralCrystalThreshold:   0.5,
		SpiralResonanceThreshold: 0.7,
		CacheCapacity:            100,
		CacheTTL:                 5 * time.Second,
	}
}

// Input is one computation request.
type Input struct {
	Points               []spatial.Point
	GlobalResonance      float64
	CrystallizationRatio float64
}

// Result is a computed grid, always fully populated with values in
// [0,1] even on the fallback path.
type Result struct {
	Grid      []float64 `json:"grid"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Phase     float64   `json:"phase"`
	FromCache bool      `json:"fromCache"`
	Fallback  bool      `json:"fallback"`
}

// EngineMetrics counts engine activity.
type EngineMetrics struct {
	Computations uint64  `json:"computations"`
	Fallbacks    uint64  `json:"fallbacks"`
	Phase        float64 `json:"phase"`
}

// Engine aggregates contribution points into the field grid. A cached
// grid includes its noise term; the spiral overlay is applied after
// the cache on every read so it never forces a recompute.
type Engine struct {
	cfg   EngineConfig
	cache *Cache

	mu           sync.Mutex
	phase        float64
	rng          *rand.Rand
	computations uint64
	fallbacks    uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine with its own cache.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		def := DefaultEngineConfig()
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.DomainSize <= 0 {
		cfg.DomainSize = DefaultEngineConfig().DomainSize
	}
	return &Engine{
		cfg:    cfg,
		cache:  NewCache(cfg.CacheCapacity, cfg.CacheTTL),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With("component", "field-engine"),
		now:    time.Now,
	}
}

// Cache exposes the grid cache for metrics and sweeping.
func (e *Engine) Cache() *Cache { return e.cache }

// Compute produces the field grid for the inputs, reusing a cached
// grid when the rounded inputs match an unexpired entry. Malformed
// inputs return the fallback grid instead of an error.
func (e *Engine) Compute(in Input) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.computations++
	e.phase = math.Mod(e.phase+e.cfg.PhaseStep, 2*math.Pi)

	if !isFinite(in.GlobalResonance) || !isFinite(in.CrystallizationRatio) {
		e.fallbacks++
		e.logger.Warn("malformed field input, serving fallback",
			"resonance", in.GlobalResonance, "ratio", in.CrystallizationRatio)
		return e.fallbackResult()
	}

	points := filterFinite(in.Points)
	resonance := clamp01(in.GlobalResonance)
	fp := e.fingerprintLocked(points, resonance)

	var grid []float64
	fromCache := false
	if cached, ok := e.cache.Get(fp); ok {
		grid = cached
		fromCache = true
	} else {
		grid = e.computeGridLocked(points, resonance)
		e.cache.Put(fp, grid)
	}

	out := make([]float64, len(grid))
	copy(out, grid)
	e.overlaySpiralLocked(out, in)

	return Result{
		Grid:      out,
		Width:     e.cfg.Width,
		Height:    e.cfg.Height,
		Phase:     e.phase,
		FromCache: fromCache,
	}
}

// computeGridLocked builds the grid: resonance-coupled base with noise
// sampled here (once per cache entry), attenuated contributions from
// the spatial index, and phase-driven periodic terms.
func (e *Engine) computeGridLocked(points []spatial.Point, resonance float64) []float64 {
	idx := spatial.NewIndex(e.cfg.CellSize)
	idx.InsertAll(points)

	grid := make([]float64, e.cfg.Width*e.cfg.Height)
	stepX := e.cfg.DomainSize / float64(e.cfg.Width)
	stepY := e.cfg.DomainSize / float64(e.cfg.Height)

	for gy := 0; gy < e.cfg.Height; gy++ {
		cy := (float64(gy) + 0.5) * stepY
		for gx := 0; gx < e.cfg.Width; gx++ {
			cx := (float64(gx) + 0.5) * stepX

			v := resonance*baseCoupling + (e.rng.Float64()*2-1)*e.cfg.NoiseAmplitude

			for _, p := range idx.QueryRadius(cx, cy, e.cfg.InfluenceRadius) {
				dist := math.Hypot(p.X-cx, p.Y-cy)
				v += p.Weight * math.Exp(-dist*e.cfg.DecayRate)
			}

			v += periodicAmplitude * math.Sin(cx*0.12+e.phase)
			v += periodicAmplitude * math.Cos(cy*0.10-0.8*e.phase)

			grid[gy*e.cfg.Width+gx] = clamp01(v)
		}
	}
	return grid
}

// overlaySpiralLocked adds the crystallization spiral when the field is
// hot enough. Pure function of grid index and wall clock, applied to
// the caller's copy only.
func (e *Engine) overlaySpiralLocked(grid []float64, in Input) {
	if in.CrystallizationRatio < e.cfg.SpiralCrystalThreshold ||
		in.GlobalResonance < e.cfg.SpiralResonanceThreshold {
		return
	}

	t := float64(e.now().UnixMilli()) / 1000.0
	half := e.cfg.DomainSize / 2
	stepX := e.cfg.DomainSize / float64(e.cfg.Width)
	stepY := e.cfg.DomainSize / float64(e.cfg.Height)

	for gy := 0; gy < e.cfg.Height; gy++ {
		dy := (float64(gy)+0.5)*stepY - half
		for gx := 0; gx < e.cfg.Width; gx++ {
			dx := (float64(gx)+0.5)*stepX - half
			r := math.Hypot(dx, dy)
			theta := math.Atan2(dy, dx)
			v := spiralAmplitude * math.Exp(-r/(e.cfg.DomainSize*0.4)) *
				math.Sin(spiralArms*theta-r*0.35+t*2)
			i := gy*e.cfg.Width + gx
			grid[i] = clamp01(grid[i] + v)
		}
	}
}

// fingerprintLocked derives the cache key from the sorted, rounded
// points plus the quantized phase and resonance, so near-identical
// float inputs collide into one entry.
func (e *Engine) fingerprintLocked(points []spatial.Point, resonance float64) string {
	sorted := make([]spatial.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].ID < sorted[j].ID
	})

	var b strings.Builder
	for _, p := range sorted {
		fmt.Fprintf(&b, "%.3f:%.3f:%.3f;", p.X, p.Y, p.Weight)
	}
	// Phase buckets are coarser than the step so consecutive
	// computations can share an entry.
	fmt.Fprintf(&b, "p%.1f|r%.2f", math.Round(e.phase*10)/10, resonance)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// SanitizeRemote validates a grid received from the service: a length
// mismatch yields the fallback grid, non-finite cells are replaced and
// every value is clamped to [0,1].
func (e *Engine) SanitizeRemote(grid []float64) []float64 {
	want := e.cfg.Width * e.cfg.Height
	if len(grid) != want {
		e.mu.Lock()
		e.fallbacks++
		e.mu.Unlock()
		e.logger.Warn("remote grid size mismatch, serving fallback",
			"got", len(grid), "want", want)
		return e.fallbackGrid()
	}
	out := make([]float64, want)
	for i, v := range grid {
		if !isFinite(v) {
			out[i] = e.cfg.FallbackValue
			continue
		}
		out[i] = clamp01(v)
	}
	return out
}

func (e *Engine) fallbackResult() Result {
	return Result{
		Grid:     e.fallbackGrid(),
		Width:    e.cfg.Width,
		Height:   e.cfg.Height,
		Phase:    e.phase,
		Fallback: true,
	}
}

func (e *Engine) fallbackGrid() []float64 {
	grid := make([]float64, e.cfg.Width*e.cfg.Height)
	for i := range grid {
		grid[i] = e.cfg.FallbackValue
	}
	return grid
}

// GetMetrics returns a snapshot of engine counters.
func (e *Engine) GetMetrics() EngineMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineMetrics{
		Computations: e.computations,
		Fallbacks:    e.fallbacks,
		Phase:        e.phase,
	}
}

func filterFinite(points []spatial.Point) []spatial.Point {
	out := make([]spatial.Point, 0, len(points))
	for _, p := range points {
		if isFinite(p.X) && isFinite(p.Y) && isFinite(p.Weight) {
			out = append(out, p)
		}
	}
	return out
}
