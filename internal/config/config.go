// Package config loads the field node configuration from a YAML file,
// applying defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a field node.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Field     FieldConfig     `yaml:"field" json:"field"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Novelty   NoveltyConfig   `yaml:"novelty" json:"novelty"`
	Entangle  EntangleConfig  `yaml:"entangle" json:"entangle"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig locates the field service.
type ServerConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	SocketURL string `yaml:"socket_url" json:"socket_url"`
}

// TransportConfig tunes the realtime connection lifecycle.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait" json:"pong_wait"`
	BaseDelay        time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	InboundBuffer    int           `yaml:"inbound_buffer" json:"inbound_buffer"`
}

// SyncConfig tunes the periodic reconciliation cycle.
type SyncConfig struct {
	ConnectedInterval time.Duration `yaml:"connected_interval" json:"connected_interval"`
	OfflineInterval   time.Duration `yaml:"offline_interval" json:"offline_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	BreakerThreshold  uint32        `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// FieldConfig tunes the computation engine, cache and derived state.
type FieldConfig struct {
	GridWidth       int           `yaml:"grid_width" json:"grid_width"`
	GridHeight      int           `yaml:"grid_height" json:"grid_height"`
	DomainSize      float64       `yaml:"domain_size" json:"domain_size"`
	CellSize        float64       `yaml:"cell_size" json:"cell_size"`
	InfluenceRadius float64       `yaml:"influence_radius" json:"influence_radius"`
	DecayRate       float64       `yaml:"decay_rate" json:"decay_rate"`
	NoiseAmplitude  float64       `yaml:"noise_amplitude" json:"noise_amplitude"`
	CacheCapacity   int           `yaml:"cache_capacity" json:"cache_capacity"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	GhostEchoLimit  int           `yaml:"ghost_echo_limit" json:"ghost_echo_limit"`
	DecayTick       time.Duration `yaml:"decay_tick" json:"decay_tick"`
	DecayFactor     float64       `yaml:"decay_factor" json:"decay_factor"`
	SnapshotEvery   time.Duration `yaml:"snapshot_every" json:"snapshot_every"`
}

// RouterConfig tunes dispatch hygiene: replay suppression and the
// per-origin rate limit.
type RouterConfig struct {
	SeenTTL           time.Duration `yaml:"seen_ttl" json:"seen_ttl"`
	EventsPerSecond   int64         `yaml:"events_per_second" json:"events_per_second"`
	BurstSize         int64         `yaml:"burst_size" json:"burst_size"`
	ExpectedElements  uint          `yaml:"expected_elements" json:"expected_elements"`
	FalsePositiveRate float64       `yaml:"false_positive_rate" json:"false_positive_rate"`
}

// NoveltyConfig tunes crystallization scoring.
type NoveltyConfig struct {
	Clusters  int     `yaml:"clusters" json:"clusters"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// EntangleConfig tunes the direct peer channel.
type EntangleConfig struct {
	ICEServers         []string      `yaml:"ice_servers" json:"ice_servers"`
	SyncInterval       time.Duration `yaml:"sync_interval" json:"sync_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" json:"negotiation_timeout"`
	MaxLinks           int           `yaml:"max_links" json:"max_links"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend   string `yaml:"backend" json:"backend"` // "file" or "redis"
	Dir       string `yaml:"dir" json:"dir"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" json:"redis_db"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:   "http://localhost:8787",
			SocketURL: "ws://localhost:8787/realtime",
		},
		Transport: TransportConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     20 * time.Second,
			PongWait:         30 * time.Second,
			BaseDelay:        1 * time.Second,
			MaxDelay:         30 * time.Second,
			MaxAttempts:      8,
			InboundBuffer:    256,
		},
		Sync: SyncConfig{
			ConnectedInterval: 12 * time.Second,
			OfflineInterval:   30 * time.Second,
			ProbeTimeout:      3 * time.Second,
			RequestTimeout:    10 * time.Second,
			BreakerThreshold:  3,
			BreakerCooldown:   15 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 100,
		},
		Field: FieldConfig{
			GridWidth:       32,
			GridHeight:      32,
			DomainSize:      100,
			CellSize:        10,
			InfluenceRadius: 25,
			DecayRate:       0.08,
			NoiseAmplitude:  0.04,
			CacheCapacity:   100,
			CacheTTL:        5 * time.Second,
			GhostEchoLimit:  50,
			DecayTick:       2 * time.Second,
			DecayFactor:     0.985,
			SnapshotEvery:   30 * time.Second,
		},
		Router: RouterConfig{
			SeenTTL:           5 * time.Minute,
			EventsPerSecond:   50,
			BurstSize:         100,
			ExpectedElements:  10000,
			FalsePositiveRate: 0.01,
		},
		Novelty: NoveltyConfig{
			Clusters:  4,
			Threshold: 0.6,
		},
		Entangle: EntangleConfig{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			SyncInterval:       15 * time.Second,
			NegotiationTimeout: 30 * time.Second,
			MaxLinks:           8,
		},
		Store: StoreConfig{
			Backend:   "file",
			Dir:       "data",
			RedisAddr: "localhost:6379",
			Namespace: "field",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if c.Transport.BaseDelay <= 0 || c.Transport.MaxDelay < c.Transport.BaseDelay {
		return fmt.Errorf("transport backoff delays invalid: base %v max %v",
			c.Transport.BaseDelay, c.Transport.MaxDelay)
	}
	if c.Transport.MaxAttempts <= 0 {
		return fmt.Errorf("transport.max_attempts must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Field.GridWidth <= 0 || c.Field.GridHeight <= 0 {
		return fmt.Errorf("field grid dimensions must be positive")
	}
	if c.Field.CellSize <= 0 {
		return fmt.Errorf("field.cell_size must be positive")
	}
	if c.Field.DecayFactor <= 0 || c.Field.DecayFactor >= 1 {
		return fmt.Errorf("field.decay_factor must be in (0,1)")
	}
	if c.Router.EventsPerSecond <= 0 {
		return fmt.Errorf("router.events_per_second must be positive")
	}
	if c.Entangle.MaxLinks <= 0 {
		return fmt.Errorf("entangle.max_links must be positive")
	}
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("store.backend must be file or redis, got %q", c.Store.Backend)
	}
	return nil
}
