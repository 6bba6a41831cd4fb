package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesKindFromPayload(t *testing.T) {
	evt := New("node-abc123", TouchRipple{X: 42.5, Y: 17.25, Pressure: 0.8})

	assert.Equal(t, KindTouchRipple, evt.Kind)
	assert.Equal(t, "node-abc123", evt.OriginID)
	assert.NotEmpty(t, evt.ID)
	assert.Greater(t, evt.Timestamp, int64(0))
}

func TestRoundTripTypedPayloads(t *testing.T) {
	cases := []Payload{
		SacredPhrase{Phrase: "i return as breath", Intensity: 0.7},
		CollectiveBloom{Initiator: "node-xyz", Resonance: 1.0},
		Entanglement{PartnerID: "node-partner", Phase: EntanglePhaseOffer, SDP: "v=0...", Strength: 0.9},
		PortalSync{
			Resonance: 0.66,
			Coherence: 0.5,
			Memories: []MemorySnapshot{
				{ID: "mem-1", X: 10, Y: 20, Intensity: 0.4, Crystallized: true, Timestamp: 1700000000000},
			},
		},
	}

	for _, p := range cases {
		evt := New("node-origin", p)
		data, err := json.Marshal(evt)
		require.NoError(t, err)

		var decoded Event
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.Equal(t, evt.ID, decoded.ID)
		assert.Equal(t, evt.Kind, decoded.Kind)
		assert.Equal(t, p, decoded.Payload, "payload for kind %s", evt.Kind)
	}
}

func TestWireEnvelopeShape(t *testing.T) {
	evt := New("node-origin", FieldUpdate{GlobalResonance: 0.42, ConnectedNodes: 7})
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	s := string(data)
	for _, want := range []string{`"kind":"field-update"`, `"originId":"node-origin"`, `"globalResonance":0.42`} {
		if !strings.Contains(s, want) {
			t.Errorf("wire envelope missing %s in %s", want, s)
		}
	}
}

func TestUnknownKindSurvivesDecode(t *testing.T) {
	raw := `{"id":"evt-1","kind":"quantum-drift","payload":{"drift":3.1},"timestamp":1700000000000,"originId":"node-future"}`

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))

	assert.Equal(t, Kind("quantum-drift"), evt.Kind)
	rp, ok := evt.Payload.(RawPayload)
	require.True(t, ok, "unknown kind should decode as RawPayload")
	assert.JSONEq(t, `{"drift":3.1}`, string(rp.Data))

	// Re-encoding keeps the original payload bytes for forwarding.
	out, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"drift":3.1`)
}

func TestMalformedPayloadIsAnError(t *testing.T) {
	raw := `{"id":"evt-2","kind":"field-update","payload":{"globalResonance":"not-a-number"},"timestamp":1,"originId":"n"}`

	var evt Event
	err := json.Unmarshal([]byte(raw), &evt)
	if err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
