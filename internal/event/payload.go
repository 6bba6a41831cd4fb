package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged union over event kinds. Each variant carries
// only the fields relevant to its kind.
type Payload interface {
	EventKind() Kind
}

// MemorySnapshot is the portable form of one field memory, shared by
// the portal and archaeology payloads and the persisted state snapshot.
type MemorySnapshot struct {
	ID           string  `json:"id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Intensity    float64 `json:"intensity"`
	Crystallized bool    `json:"crystallized"`
	Timestamp    int64   `json:"timestamp"`
}

// SacredPhrase reports a recognized phrase reinforcing the field.
type SacredPhrase struct {
	Phrase    string  `json:"phrase"`
	Intensity float64 `json:"intensity"`
}

func (SacredPhrase) EventKind() Kind { return KindSacredPhrase }

// MemoryCrystallize requests crystallization of a local memory.
type MemoryCrystallize struct {
	MemoryID  string  `json:"memoryId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Intensity float64 `json:"intensity"`
}

func (MemoryCrystallize) EventKind() Kind { return KindMemoryCrystallize }

// FieldUpdate carries refreshed global aggregates from the service.
type FieldUpdate struct {
	GlobalResonance float64 `json:"globalResonance"`
	ConnectedNodes  int     `json:"connectedNodes"`
}

func (FieldUpdate) EventKind() Kind { return KindFieldUpdate }

// PulseCreate spawns a short-lived high-weight contribution.
type PulseCreate struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Strength float64 `json:"strength"`
	TTLMs    int64   `json:"ttlMs"`
}

func (PulseCreate) EventKind() Kind { return KindPulseCreate }

// TouchRipple is a single touch contribution.
type TouchRipple struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure"`
}

func (TouchRipple) EventKind() Kind { return KindTouchRipple }

// BreathingDetected reports a sustained breathing rhythm.
type BreathingDetected struct {
	Rate  float64 `json:"rate"`
	Depth float64 `json:"depth"`
}

func (BreathingDetected) EventKind() Kind { return KindBreathingDetected }

// SpiralGesture reports a traced spiral.
type SpiralGesture struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Turns  float64 `json:"turns"`
	Radius float64 `json:"radius"`
}

func (SpiralGesture) EventKind() Kind { return KindSpiralGesture }

// CollectiveBloom announces a network-wide bloom.
type CollectiveBloom struct {
	Initiator string  `json:"initiator"`
	Resonance float64 `json:"resonance"`
}

func (CollectiveBloom) EventKind() Kind { return KindCollectiveBloom }

// GhostEcho replays a faded phrase from the past.
type GhostEcho struct {
	EchoID   string `json:"echoId"`
	Text     string `json:"text"`
	SourceID string `json:"sourceId"`
	AgeMs    int64  `json:"ageMs"`
}

func (GhostEcho) EventKind() Kind { return KindGhostEcho }

// Crystallization confirms a crystallized memory from the service or a
// peer.
type Crystallization struct {
	MemoryID  string  `json:"memoryId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Intensity float64 `json:"intensity"`
}

func (Crystallization) EventKind() Kind { return KindCrystallization }

// Entanglement phases for the direct channel negotiation.
const (
	EntanglePhaseRequest   = "request"
	EntanglePhaseOffer     = "offer"
	EntanglePhaseAnswer    = "answer"
	EntanglePhaseCandidate = "candidate"
	EntanglePhaseRelease   = "release"
)

// Entanglement links two nodes. Phase carries the direct-channel
// negotiation steps; SDP and Candidate are only set for their phases.
type Entanglement struct {
	PartnerID string  `json:"partnerId"`
	Phase     string  `json:"phase"`
	SDP       string  `json:"sdp,omitempty"`
	Candidate string  `json:"candidate,omitempty"`
	Strength  float64 `json:"strength"`
}

func (Entanglement) EventKind() Kind { return KindEntanglement }

// PortalSync transfers a state snapshot between entangled nodes.
type PortalSync struct {
	Resonance float64          `json:"resonance"`
	Coherence float64          `json:"coherence"`
	Memories  []MemorySnapshot `json:"memories"`
}

func (PortalSync) EventKind() Kind { return KindPortalSync }

// ArchaeologySync carries excavated memories from a past epoch.
type ArchaeologySync struct {
	Epoch    int64            `json:"epoch"`
	Memories []MemorySnapshot `json:"memories"`
}

func (ArchaeologySync) EventKind() Kind { return KindArchaeologySync }

// Welcome is the service's handshake acceptance.
type Welcome struct {
	SessionID       string  `json:"sessionId"`
	GlobalResonance float64 `json:"globalResonance"`
	ConnectedNodes  int     `json:"connectedNodes"`
}

func (Welcome) EventKind() Kind { return KindWelcome }

// NodeCount updates the connected node total.
type NodeCount struct {
	Count int `json:"count"`
}

func (NodeCount) EventKind() Kind { return KindNodeCount }

// RawPayload preserves the bytes of a kind this build does not know.
type RawPayload struct {
	K    Kind
	Data json.RawMessage
}

func (r RawPayload) EventKind() Kind { return r.K }

// MarshalJSON passes the original bytes through unchanged.
func (r RawPayload) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindSacredPhrase:
		p = &SacredPhrase{}
	case KindMemoryCrystallize:
		p = &MemoryCrystallize{}
	case KindFieldUpdate:
		p = &FieldUpdate{}
	case KindPulseCreate:
		p = &PulseCreate{}
	case KindTouchRipple:
		p = &TouchRipple{}
	case KindBreathingDetected:
		p = &BreathingDetected{}
	case KindSpiralGesture:
		p = &SpiralGesture{}
	case KindCollectiveBloom:
		p = &CollectiveBloom{}
	case KindGhostEcho:
		p = &GhostEcho{}
	case KindCrystallization:
		p = &Crystallization{}
	case KindEntanglement:
		p = &Entanglement{}
	case KindPortalSync:
		p = &PortalSync{}
	case KindArchaeologySync:
		p = &ArchaeologySync{}
	case KindWelcome:
		p = &Welcome{}
	case KindNodeCount:
		p = &NodeCount{}
	default:
		return RawPayload{K: kind, Data: raw}, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

// deref returns the value form so payloads compare and switch cleanly.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SacredPhrase:
		return *v
	case *MemoryCrystallize:
		return *v
	case *FieldUpdate:
		return *v
	case *PulseCreate:
		return *v
	case *TouchRipple:
		return *v
	case *BreathingDetected:
		return *v
	case *SpiralGesture:
		return *v
	case *CollectiveBloom:
		return *v
	case *GhostEcho:
		return *v
	case *Crystallization:
		return *v
	case *Entanglement:
		return *v
	case *PortalSync:
		return *v
	case *ArchaeologySync:
		return *v
	case *Welcome:
		return *v
	case *NodeCount:
		return *v
	default:
		return p
	}
}
