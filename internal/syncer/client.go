// Package syncer pushes the offline queue to the field service over
// HTTP and keeps reachability state. Each call class runs behind its
// own circuit breaker so a dead endpoint fails fast instead of eating
// the request timeout on every cycle.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/spatial"
)

const (
	probeBreaker = "probe"
	syncBreaker  = "sync"
	fieldBreaker = "field"
)

// ClientConfig holds the service endpoint and call budgets.
type ClientConfig struct {
	BaseURL          string        `yaml:"base_url" json:"base_url"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	BreakerThreshold uint32        `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:          "http://localhost:3001",
		ProbeTimeout:     3 * time.Second,
		RequestTimeout:   10 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  15 * time.Second,
	}
}

// SyncRequest is one batch push. Sequence is stable across retries of
// the same batch so the service can deduplicate.
type SyncRequest struct {
	Events   []event.Event `json:"events"`
	OriginID string        `json:"originId"`
	Sequence uint64        `json:"sequence"`
}

// SyncResponse carries the service's view of the collective field.
type SyncResponse struct {
	GlobalResonance float64        `json:"globalResonance"`
	ConnectedNodes  int            `json:"connectedNodes"`
	Counts          map[string]int `json:"counts"`
}

// FieldRequest asks the service to blend our contribution into the
// collective grid.
type FieldRequest struct {
	OriginID           string          `json:"originId"`
	CurrentResonance   float64         `json:"currentResonance"`
	ContributionPoints []spatial.Point `json:"contributionPoints"`
}

// FieldResponse is the blended grid plus derived metrics. The caller
// sanitizes the grid before trusting it.
type FieldResponse struct {
	Grid            []float64 `json:"grid"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	GlobalResonance float64   `json:"globalResonance"`
	Coherence       float64   `json:"coherence"`
}

// Client is the HTTP side of the sync path.
type Client struct {
	config   ClientConfig
	http     *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = def.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}

	c := &Client{
		config:   config,
		http:     &http.Client{Timeout: config.RequestTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker, 3),
		logger:   logger.With("component", "syncer"),
	}

	threshold := config.BreakerThreshold
	for _, name := range []string{probeBreaker, syncBreaker, fieldBreaker} {
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("breaker state changed", "call", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// Probe checks service liveness. Hard short timeout; any non-200 is a
// failure.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.breakers[probeBreaker].Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return nil, errs.New(errs.ErrCodeConnectFailed, fmt.Sprintf("health returned %d", resp.StatusCode))
		}
		return nil, nil
	})
	return c.wrapBreakerErr("health probe", err)
}

// PushEvents sends one drained batch. Safe to retry with the same
// sequence.
func (c *Client) PushEvents(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	res, err := c.breakers[syncBreaker].Execute(func() (interface{}, error) {
		var out SyncResponse
		if err := c.postJSON(ctx, "/sync", req, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return SyncResponse{}, c.wrapBreakerErr("batch sync", err)
	}
	return res.(SyncResponse), nil
}

// QueryField fetches the blended collective grid. Callers fall back to
// the local engine when this errors.
func (c *Client) QueryField(ctx context.Context, req FieldRequest) (FieldResponse, error) {
	res, err := c.breakers[fieldBreaker].Execute(func() (interface{}, error) {
		var out FieldResponse
		if err := c.postJSON(ctx, "/field", req, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return FieldResponse{}, c.wrapBreakerErr("field query", err)
	}
	return res.(FieldResponse), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.ErrCodeEncodeFailed, "encode "+path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return errs.New(errs.ErrCodeConnectFailed, fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.ErrCodeDecodeFailed, "decode "+path+" response", err)
	}
	return nil
}

// wrapBreakerErr turns gobreaker short-circuits into the coded error
// the caller can branch on.
func (c *Client) wrapBreakerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.Wrap(errs.ErrCodeCircuitOpen, op+" skipped, breaker open", err)
	}
	return err
}

// BreakerState reports the named call class state for health output.
func (c *Client) BreakerState(name string) string {
	cb, ok := c.breakers[name]
	if !ok {
		return "unknown"
	}
	return cb.State().String()
}
