package entangle

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
)

type fakeLink struct {
	mu         sync.Mutex
	offered    bool
	offers     []string
	answers    []string
	candidates []string
	frames     [][]byte
	closed     bool
	failOffer  bool
}

func (f *fakeLink) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer {
		return "", errors.New("no transport")
	}
	f.offered = true
	return "fake-offer", nil
}

func (f *fakeLink) AcceptOffer(sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	return "fake-answer", nil
}

func (f *fakeLink) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeLink) AddCandidate(candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeLink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLink) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeLink) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

// fakeMesh stands in for pion: it records factory calls and exposes the
// callbacks so tests can drive open/close/message events.
type fakeMesh struct {
	mu         sync.Mutex
	links      map[string]*fakeLink
	callbacks  map[string]linkCallbacks
	initiators map[string]bool
	calls      int
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		links:      make(map[string]*fakeLink),
		callbacks:  make(map[string]linkCallbacks),
		initiators: make(map[string]bool),
	}
}

func (f *fakeMesh) factory(partnerID string, initiator bool, cb linkCallbacks) (peerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := &fakeLink{}
	f.links[partnerID] = link
	f.callbacks[partnerID] = cb
	f.initiators[partnerID] = initiator
	f.calls++
	return link, nil
}

func (f *fakeMesh) link(partnerID string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[partnerID]
}

func (f *fakeMesh) cb(partnerID string) linkCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[partnerID]
}

func (f *fakeMesh) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type capture struct {
	mu     sync.Mutex
	sent   []event.Event
	routed []event.Event
}

func (c *capture) send(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *capture) deliver(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routed = append(c.routed, ev)
	return nil
}

func (c *capture) sentPhases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var phases []string
	for _, ev := range c.sent {
		if p, ok := ev.Payload.(event.Entanglement); ok {
			phases = append(phases, p.Phase)
		}
	}
	return phases
}

func (c *capture) lastEntanglement() (event.Entanglement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if p, ok := c.sent[i].Payload.(event.Entanglement); ok {
			return p, true
		}
	}
	return event.Entanglement{}, false
}

func (c *capture) routedKinds() []event.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]event.Kind, len(c.routed))
	for i, ev := range c.routed {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newTestManager(t *testing.T, nodeID string) (*Manager, *fakeMesh, *capture, *field.State) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := field.NewState(50, 0.985, logger)
	mesh := newFakeMesh()
	cap := &capture{}

	cfg := DefaultConfig()
	cfg.SyncInterval = 50 * time.Millisecond
	m := NewManager(nodeID, state, cfg, cap.send, cap.deliver, logger)
	m.factory = mesh.factory
	t.Cleanup(m.Stop)
	return m, mesh, cap, state
}

// openLink drives a full request/answer handshake from the test side.
func openLink(t *testing.T, m *Manager, mesh *fakeMesh, partner string) {
	t.Helper()
	m.HandleSignal(partner, event.Entanglement{Phase: event.EntanglePhaseRequest, Strength: 0.8})
	require.NotNil(t, mesh.link(partner), "request should create a peer")
	m.HandleSignal(partner, event.Entanglement{Phase: event.EntanglePhaseAnswer, SDP: "remote-answer"})
	mesh.cb(partner).OnOpen()
}

func TestRequestMakesOffer(t *testing.T) {
	m, mesh, cap, _ := newTestManager(t, "node-aaaa")

	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseRequest, Strength: 0.7})

	assert.Equal(t, 1, mesh.callCount())
	assert.True(t, mesh.initiators["node-bbbb"])

	p, ok := cap.lastEntanglement()
	require.True(t, ok, "an offer must be relayed")
	assert.Equal(t, event.EntanglePhaseOffer, p.Phase)
	assert.Equal(t, "fake-offer", p.SDP)
	assert.Equal(t, "node-bbbb", p.PartnerID)
}

func TestOfferAnswered(t *testing.T) {
	m, mesh, cap, _ := newTestManager(t, "node-aaaa")

	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseOffer, SDP: "remote-offer"})

	link := mesh.link("node-bbbb")
	require.NotNil(t, link)
	assert.False(t, mesh.initiators["node-bbbb"])
	assert.Contains(t, link.offers, "remote-offer")

	p, ok := cap.lastEntanglement()
	require.True(t, ok)
	assert.Equal(t, event.EntanglePhaseAnswer, p.Phase)
	assert.Equal(t, "fake-answer", p.SDP)

	// Remote description is set, so candidates apply immediately.
	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseCandidate, Candidate: "cand-1"})
	assert.Equal(t, 1, link.candidateCount())
}

func TestAnswerOpensLink(t *testing.T) {
	m, mesh, _, state := newTestManager(t, "node-aaaa")

	openLink(t, m, mesh, "node-bbbb")

	link := mesh.link("node-bbbb")
	assert.Contains(t, link.answers, "remote-answer")
	assert.Equal(t, []string{"node-bbbb"}, m.ActiveLinks())
	assert.Equal(t, uint64(1), m.GetMetrics().LinksOpened)

	links := state.Links()
	require.Len(t, links, 1)
	assert.Equal(t, "node-bbbb", links[0].PartnerID)
	assert.True(t, links[0].Direct)

	// The sync loop pushes a snapshot as soon as the channel opens.
	deadline := time.Now().Add(2 * time.Second)
	for link.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Greater(t, link.frameCount(), 0, "expected an immediate portal-sync")

	link.mu.Lock()
	frame := link.frames[0]
	link.mu.Unlock()
	var ev event.Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, event.KindPortalSync, ev.Kind)
}

func TestCandidatesBufferedUntilRemoteReady(t *testing.T) {
	m, mesh, _, _ := newTestManager(t, "node-aaaa")

	// Candidates can outrun the offer over the relay.
	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseCandidate, Candidate: "early-1"})
	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseRequest, Strength: 0.5})
	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseCandidate, Candidate: "early-2"})

	link := mesh.link("node-bbbb")
	require.NotNil(t, link)
	assert.Equal(t, 0, link.candidateCount(), "no remote description yet")

	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseAnswer, SDP: "remote-answer"})
	assert.Equal(t, 2, link.candidateCount(), "buffered candidates flush after the answer")
}

func TestGlareSmallerIDKeepsOwnOffer(t *testing.T) {
	m, mesh, cap, _ := newTestManager(t, "node-aaaa")

	// Partner requested, we offered, and then the partner's own offer
	// arrives because both sides requested at once.
	m.HandleSignal("node-zzzz", event.Entanglement{Phase: event.EntanglePhaseRequest})
	assert.Equal(t, 1, mesh.callCount())

	m.HandleSignal("node-zzzz", event.Entanglement{Phase: event.EntanglePhaseOffer, SDP: "their-offer"})

	assert.Equal(t, 1, mesh.callCount(), "smaller node ID keeps its own offer")
	assert.NotContains(t, cap.sentPhases(), event.EntanglePhaseAnswer)
}

func TestGlareLargerIDYields(t *testing.T) {
	m, mesh, cap, _ := newTestManager(t, "node-zzzz")

	m.HandleSignal("node-aaaa", event.Entanglement{Phase: event.EntanglePhaseRequest})
	first := mesh.link("node-aaaa")
	require.NotNil(t, first)

	m.HandleSignal("node-aaaa", event.Entanglement{Phase: event.EntanglePhaseOffer, SDP: "their-offer"})

	assert.Equal(t, 2, mesh.callCount(), "larger node ID abandons its offer and answers")
	assert.True(t, first.isClosed())
	assert.False(t, mesh.initiators["node-aaaa"])
	assert.Contains(t, cap.sentPhases(), event.EntanglePhaseAnswer)
}

func TestReleaseClosesPeer(t *testing.T) {
	m, mesh, _, state := newTestManager(t, "node-aaaa")
	openLink(t, m, mesh, "node-bbbb")

	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseRelease})

	assert.True(t, mesh.link("node-bbbb").isClosed())
	assert.Empty(t, m.ActiveLinks())

	// The link record survives here; the router drops it when it
	// processes the release event.
	links := state.Links()
	require.Len(t, links, 1)
	assert.False(t, links[0].Direct)
}

func TestPeerLossFallsBackToRelay(t *testing.T) {
	m, mesh, _, state := newTestManager(t, "node-aaaa")
	openLink(t, m, mesh, "node-bbbb")

	mesh.cb("node-bbbb").OnClosed()

	assert.Empty(t, m.ActiveLinks())
	links := state.Links()
	require.Len(t, links, 1, "entanglement record survives peer loss")
	assert.False(t, links[0].Direct)
}

func TestBroadcastReachesOnlyOpenLinks(t *testing.T) {
	m, mesh, _, _ := newTestManager(t, "node-aaaa")

	openLink(t, m, mesh, "node-bbbb")
	// Second link is still negotiating.
	m.HandleSignal("node-cccc", event.Entanglement{Phase: event.EntanglePhaseRequest})

	open := mesh.link("node-bbbb")
	base := open.frameCount()

	ev := event.New("node-aaaa", event.GhostEcho{EchoID: "echo-1", Text: "still here", SourceID: "node-aaaa"})
	m.Broadcast(ev)

	assert.Equal(t, base+1, open.frameCount())
	assert.Equal(t, 0, mesh.link("node-cccc").frameCount())
}

func TestInboundFrameRouted(t *testing.T) {
	m, mesh, cap, _ := newTestManager(t, "node-aaaa")
	openLink(t, m, mesh, "node-bbbb")

	ev := event.New("node-bbbb", event.PortalSync{Resonance: 0.6, Coherence: 0.4})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	mesh.cb("node-bbbb").OnMessage(data)
	mesh.cb("node-bbbb").OnMessage([]byte("garbage frame"))

	kinds := cap.routedKinds()
	require.Len(t, kinds, 1, "bad frames are dropped, good ones routed")
	assert.Equal(t, event.KindPortalSync, kinds[0])
	assert.Equal(t, uint64(2), m.GetMetrics().FramesReceived)
}

func TestNegotiationTimeoutDegrades(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := field.NewState(50, 0.985, logger)
	mesh := newFakeMesh()
	cap := &capture{}

	cfg := DefaultConfig()
	cfg.NegotiationTimeout = 30 * time.Millisecond
	m := NewManager("node-aaaa", state, cfg, cap.send, cap.deliver, logger)
	m.factory = mesh.factory
	defer m.Stop()

	m.HandleSignal("node-bbbb", event.Entanglement{Phase: event.EntanglePhaseRequest})
	link := mesh.link("node-bbbb")
	require.NotNil(t, link)

	deadline := time.Now().Add(2 * time.Second)
	for !link.isClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, link.isClosed(), "unanswered offer must time out")
	assert.Equal(t, uint64(1), m.GetMetrics().LinksFailed)
	assert.Empty(t, m.ActiveLinks())
}

func TestEntangleValidatesPartner(t *testing.T) {
	m, _, _, _ := newTestManager(t, "node-aaaa")

	for _, partner := range []string{"", "node-aaaa"} {
		err := m.Entangle(partner, 0.5)
		var fe *errs.FieldError
		if assert.ErrorAs(t, err, &fe) {
			assert.Equal(t, errs.ErrCodeMalformedInput, fe.Code)
		}
	}
}

func TestStopTearsDownEverything(t *testing.T) {
	m, mesh, _, _ := newTestManager(t, "node-aaaa")
	openLink(t, m, mesh, "node-bbbb")
	openLink(t, m, mesh, "node-cccc")

	m.Stop()

	assert.True(t, mesh.link("node-bbbb").isClosed())
	assert.True(t, mesh.link("node-cccc").isClosed())
	assert.Empty(t, m.ActiveLinks())
}
