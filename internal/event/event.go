// Package event defines the typed events exchanged between field nodes.
//
// Every message on the realtime channel and in the offline queue is an
// Event: a closed kind tag, a typed payload variant for that kind, the
// origin node id and a millisecond timestamp. Payloads are a tagged
// union; decoding dispatches on the kind so handlers never probe
// untyped maps.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags an event with its payload variant. The set is closed;
// unknown tags survive decoding as RawPayload so routing can log and
// ignore them without dropping the rest of the stream.
type Kind string

const (
	KindSacredPhrase      Kind = "sacred-phrase"
	KindMemoryCrystallize Kind = "memory-crystallize"
	KindFieldUpdate       Kind = "field-update"
	KindPulseCreate       Kind = "pulse-create"
	KindTouchRipple       Kind = "touch-ripple"
	KindBreathingDetected Kind = "breathing-detected"
	KindSpiralGesture     Kind = "spiral-gesture"
	KindCollectiveBloom   Kind = "collective-bloom"
	KindGhostEcho         Kind = "ghost-echo"
	KindCrystallization   Kind = "crystallization"
	KindEntanglement      Kind = "entanglement"
	KindPortalSync        Kind = "portal-sync"
	KindArchaeologySync   Kind = "archaeology-sync"

	// Lifecycle kinds, inbound only.
	KindWelcome   Kind = "welcome"
	KindNodeCount Kind = "node-count"
)

// Event is immutable once created. Ordering is by Timestamp with ties
// broken by arrival order.
type Event struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"`
	OriginID  string  `json:"originId"`
}

// New builds an event for the given origin, deriving the kind from the
// payload variant.
func New(originID string, p Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      p.EventKind(),
		Payload:   p,
		Timestamp: time.Now().UnixMilli(),
		OriginID:  originID,
	}
}

type envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	OriginID  string          `json:"originId"`
}

// MarshalJSON flattens the payload variant into the wire envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	env := envelope{
		ID:        e.ID,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
		OriginID:  e.OriginID,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload %s: %w", e.Kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and then the payload variant for
// the tagged kind. Unknown kinds keep their raw payload bytes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	e.ID = env.ID
	e.Kind = env.Kind
	e.Payload = p
	e.Timestamp = env.Timestamp
	e.OriginID = env.OriginID
	return nil
}
