// Package entangle negotiates direct peer data channels between
// entangled nodes, using entanglement events relayed through the field
// service as the signaling path. Once a channel opens the peers trade
// portal-sync snapshots and ghost echoes without the server round trip.
package entangle

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/field"
)

const (
	channelLabel         = "entangle"
	pendingCandidateCap  = 32
	defaultSyncInterval  = 15 * time.Second
	defaultNegotiateTime = 30 * time.Second
	defaultMaxLinks      = 8
)

// SendFunc relays a signaling event to the field service.
type SendFunc func(event.Event) error

// DeliverFunc hands a frame received on a direct channel to the router.
type DeliverFunc func(event.Event) error

// peerLink abstracts the underlying peer connection so negotiation
// logic can be tested without real ICE.
type peerLink interface {
	// CreateOffer produces the local offer SDP and installs it as the
	// local description.
	CreateOffer() (string, error)
	// AcceptOffer installs the remote offer and returns the answer SDP.
	AcceptOffer(sdp string) (string, error)
	// AcceptAnswer installs the remote answer.
	AcceptAnswer(sdp string) error
	AddCandidate(candidate string) error
	Send(data []byte) error
	Close() error
}

// linkCallbacks are invoked by the peer link from its own goroutines.
type linkCallbacks struct {
	OnCandidate func(candidate string)
	OnOpen      func()
	OnClosed    func()
	OnMessage   func(data []byte)
}

type linkFactory func(partnerID string, initiator bool, cb linkCallbacks) (peerLink, error)

// Config controls negotiation and the direct-channel sync cadence.
type Config struct {
	ICEServers         []string      `yaml:"ice_servers" json:"ice_servers"`
	SyncInterval       time.Duration `yaml:"sync_interval" json:"sync_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" json:"negotiation_timeout"`
	MaxLinks           int           `yaml:"max_links" json:"max_links"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		SyncInterval:       defaultSyncInterval,
		NegotiationTimeout: defaultNegotiateTime,
		MaxLinks:           defaultMaxLinks,
	}
}

// Metrics counts link lifecycle and direct-channel traffic.
type Metrics struct {
	LinksOpened    uint64 `json:"links_opened"`
	LinksFailed    uint64 `json:"links_failed"`
	LinksReleased  uint64 `json:"links_released"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	SyncsSent      uint64 `json:"syncs_sent"`
}

type linkState struct {
	partnerID string
	peer      peerLink
	initiator bool
	open      bool
	// remoteReady gates AddCandidate until a remote description is set.
	remoteReady bool
	strength    float64
	createdAt   time.Time
	stopSync    chan struct{}
	timeout     *time.Timer
}

// Manager owns all direct links for one node.
type Manager struct {
	nodeID  string
	state   *field.State
	send    SendFunc
	deliver DeliverFunc
	factory linkFactory
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	links   map[string]*linkState
	pending map[string][]string

	metricsMu sync.Mutex
	metrics   Metrics

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a link manager. send relays signaling events to
// the field service and deliver routes frames that arrive on open
// channels.
func NewManager(nodeID string, state *field.State, config Config, send SendFunc, deliver DeliverFunc, logger *slog.Logger) *Manager {
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = defaultNegotiateTime
	}
	if config.MaxLinks <= 0 {
		config.MaxLinks = defaultMaxLinks
	}
	m := &Manager{
		nodeID:   nodeID,
		state:    state,
		send:     send,
		deliver:  deliver,
		config:   config,
		logger:   logger.With("component", "entangle"),
		links:    make(map[string]*linkState),
		pending:  make(map[string][]string),
		shutdown: make(chan struct{}),
	}
	m.factory = newPionFactory(config.ICEServers)
	return m
}

// Entangle asks partnerID to open a direct channel. The partner is the
// one that produces the SDP offer; we answer when it arrives.
func (m *Manager) Entangle(partnerID string, strength float64) error {
	if partnerID == "" || partnerID == m.nodeID {
		return errs.ErrMalformedInput("cannot entangle with self")
	}
	ev := event.New(m.nodeID, event.Entanglement{
		PartnerID: partnerID,
		Phase:     event.EntanglePhaseRequest,
		Strength:  strength,
	})
	return m.send(ev)
}

// Release tears down the link with partnerID and tells it so.
func (m *Manager) Release(partnerID string) error {
	m.teardown(partnerID, false)
	ev := event.New(m.nodeID, event.Entanglement{
		PartnerID: partnerID,
		Phase:     event.EntanglePhaseRelease,
	})
	return m.send(ev)
}

// HandleSignal processes an entanglement event addressed to this node.
// origin is the sending node.
func (m *Manager) HandleSignal(origin string, p event.Entanglement) {
	if origin == "" || origin == m.nodeID {
		return
	}
	switch p.Phase {
	case event.EntanglePhaseRequest:
		m.handleRequest(origin, p.Strength)
	case event.EntanglePhaseOffer:
		m.handleOffer(origin, p.SDP, p.Strength)
	case event.EntanglePhaseAnswer:
		m.handleAnswer(origin, p.SDP)
	case event.EntanglePhaseCandidate:
		m.handleCandidate(origin, p.Candidate)
	case event.EntanglePhaseRelease:
		m.teardown(origin, false)
	default:
		m.logger.Warn("unknown entanglement phase", "phase", p.Phase, "origin", shortID(origin))
	}
}

// handleRequest makes this node the offerer for the requesting partner.
func (m *Manager) handleRequest(origin string, strength float64) {
	m.mu.Lock()
	if _, exists := m.links[origin]; exists {
		m.mu.Unlock()
		return
	}
	if len(m.links) >= m.config.MaxLinks {
		m.mu.Unlock()
		m.logger.Warn("link capacity reached, staying on server relay", "origin", shortID(origin))
		return
	}
	m.mu.Unlock()

	link, err := m.newLink(origin, true, strength)
	if err != nil {
		m.logger.Warn("peer setup failed, staying on server relay", "origin", shortID(origin), "error", err)
		return
	}

	sdp, err := link.peer.CreateOffer()
	if err != nil {
		m.logger.Warn("offer failed, staying on server relay", "origin", shortID(origin), "error", err)
		m.teardown(origin, true)
		return
	}
	m.sendSignal(origin, event.EntanglePhaseOffer, sdp, "", strength)
}

func (m *Manager) handleOffer(origin, sdp string, strength float64) {
	m.mu.Lock()
	existing := m.links[origin]
	if existing != nil {
		if existing.open {
			m.mu.Unlock()
			return
		}
		// Both sides requested at once and the partner offered first.
		// The node with the smaller ID keeps its own offer.
		if existing.initiator && m.nodeID < origin {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	if existing != nil {
		m.teardown(origin, true)
	}

	link, err := m.newLink(origin, false, strength)
	if err != nil {
		m.logger.Warn("peer setup failed, staying on server relay", "origin", shortID(origin), "error", err)
		return
	}

	answer, err := link.peer.AcceptOffer(sdp)
	if err != nil {
		m.logger.Warn("offer rejected, staying on server relay", "origin", shortID(origin), "error", err)
		m.teardown(origin, true)
		return
	}
	m.markRemoteReady(origin)
	m.sendSignal(origin, event.EntanglePhaseAnswer, answer, "", strength)
}

func (m *Manager) handleAnswer(origin, sdp string) {
	m.mu.Lock()
	link := m.links[origin]
	m.mu.Unlock()
	if link == nil {
		m.logger.Warn("answer for unknown link", "origin", shortID(origin))
		return
	}
	if err := link.peer.AcceptAnswer(sdp); err != nil {
		m.logger.Warn("answer rejected, staying on server relay", "origin", shortID(origin), "error", err)
		m.teardown(origin, true)
		return
	}
	m.markRemoteReady(origin)
}

// handleCandidate applies a remote ICE candidate, buffering it when the
// link has no remote description yet.
func (m *Manager) handleCandidate(origin, candidate string) {
	if candidate == "" {
		return
	}
	m.mu.Lock()
	link := m.links[origin]
	if link == nil || !link.remoteReady {
		if len(m.pending[origin]) < pendingCandidateCap {
			m.pending[origin] = append(m.pending[origin], candidate)
		}
		m.mu.Unlock()
		return
	}
	peer := link.peer
	m.mu.Unlock()

	if err := peer.AddCandidate(candidate); err != nil {
		m.logger.Warn("candidate rejected", "origin", shortID(origin), "error", err)
	}
}

// markRemoteReady flushes candidates buffered before the remote
// description landed.
func (m *Manager) markRemoteReady(origin string) {
	m.mu.Lock()
	link := m.links[origin]
	if link == nil {
		m.mu.Unlock()
		return
	}
	link.remoteReady = true
	buffered := m.pending[origin]
	delete(m.pending, origin)
	peer := link.peer
	m.mu.Unlock()

	for _, c := range buffered {
		if err := peer.AddCandidate(c); err != nil {
			m.logger.Warn("buffered candidate rejected", "origin", shortID(origin), "error", err)
		}
	}
}

// newLink builds the peer and registers it, arming the negotiation
// timeout.
func (m *Manager) newLink(partnerID string, initiator bool, strength float64) (*linkState, error) {
	link := &linkState{
		partnerID: partnerID,
		initiator: initiator,
		strength:  strength,
		createdAt: time.Now(),
		stopSync:  make(chan struct{}),
	}

	cb := linkCallbacks{
		OnCandidate: func(candidate string) {
			m.sendSignal(partnerID, event.EntanglePhaseCandidate, "", candidate, 0)
		},
		OnOpen:   func() { m.onLinkOpen(partnerID) },
		OnClosed: func() { m.onLinkClosed(partnerID) },
		OnMessage: func(data []byte) {
			m.onLinkMessage(partnerID, data)
		},
	}

	peer, err := m.factory(partnerID, initiator, cb)
	if err != nil {
		return nil, err
	}
	link.peer = peer
	link.timeout = time.AfterFunc(m.config.NegotiationTimeout, func() {
		m.onNegotiationTimeout(partnerID)
	})

	m.mu.Lock()
	m.links[partnerID] = link
	m.mu.Unlock()
	return link, nil
}

func (m *Manager) onNegotiationTimeout(partnerID string) {
	m.mu.Lock()
	link := m.links[partnerID]
	expired := link != nil && !link.open
	m.mu.Unlock()
	if !expired {
		return
	}
	m.logger.Warn("negotiation timed out, staying on server relay", "partner", shortID(partnerID))
	m.teardown(partnerID, true)
}

// onLinkOpen marks the entanglement direct and starts the snapshot
// exchange.
func (m *Manager) onLinkOpen(partnerID string) {
	m.mu.Lock()
	link := m.links[partnerID]
	if link == nil || link.open {
		m.mu.Unlock()
		return
	}
	link.open = true
	if link.timeout != nil {
		link.timeout.Stop()
	}
	stopSync := link.stopSync
	strength := link.strength
	m.mu.Unlock()

	m.state.RecordEntanglement(partnerID, strength)
	m.state.SetEntanglementDirect(partnerID, true)
	m.metricsMu.Lock()
	m.metrics.LinksOpened++
	m.metricsMu.Unlock()
	m.logger.Info("direct channel open", "partner", shortID(partnerID))

	m.wg.Add(1)
	go m.syncLoop(partnerID, stopSync)
}

func (m *Manager) onLinkClosed(partnerID string) {
	m.mu.Lock()
	link := m.links[partnerID]
	wasOpen := link != nil && link.open
	m.mu.Unlock()
	if link == nil {
		return
	}
	if wasOpen {
		m.logger.Info("direct channel lost, falling back to server relay", "partner", shortID(partnerID))
	}
	// Peer loss keeps the entanglement record; only the direct flag
	// drops. Release removes the record through the router.
	m.removeLink(partnerID, false)
}

func (m *Manager) onLinkMessage(partnerID string, data []byte) {
	m.metricsMu.Lock()
	m.metrics.FramesReceived++
	m.metricsMu.Unlock()

	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("undecodable frame on direct channel", "partner", shortID(partnerID), "error", err)
		return
	}
	if ev.OriginID == "" {
		ev.OriginID = partnerID
	}
	if err := m.deliver(ev); err != nil {
		m.logger.Warn("direct frame rejected", "partner", shortID(partnerID), "kind", ev.Kind, "error", err)
	}
}

// syncLoop pushes portal-sync snapshots over the open channel until it
// closes.
func (m *Manager) syncLoop(partnerID string, stop chan struct{}) {
	defer m.wg.Done()

	// First snapshot goes out immediately so the partner converges
	// without waiting a full interval.
	m.sendSnapshot(partnerID)

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sendSnapshot(partnerID)
		case <-stop:
			return
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) sendSnapshot(partnerID string) {
	snap := m.state.TakeSnapshot()
	ev := event.New(m.nodeID, event.PortalSync{
		Resonance: snap.Resonance,
		Coherence: snap.Coherence,
		Memories:  snap.Memories,
	})
	if err := m.sendDirect(partnerID, ev); err != nil {
		return
	}
	m.metricsMu.Lock()
	m.metrics.SyncsSent++
	m.metricsMu.Unlock()
}

// Broadcast replicates an event to every open direct channel.
func (m *Manager) Broadcast(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("broadcast encode failed", "kind", ev.Kind, "error", err)
		return
	}

	m.mu.Lock()
	peers := make(map[string]peerLink, len(m.links))
	for id, link := range m.links {
		if link.open {
			peers[id] = link.peer
		}
	}
	m.mu.Unlock()

	for id, peer := range peers {
		if err := peer.Send(data); err != nil {
			m.logger.Warn("direct send failed", "partner", shortID(id), "error", err)
			continue
		}
		m.metricsMu.Lock()
		m.metrics.FramesSent++
		m.metricsMu.Unlock()
	}
}

func (m *Manager) sendDirect(partnerID string, ev event.Event) error {
	m.mu.Lock()
	link := m.links[partnerID]
	if link == nil || !link.open {
		m.mu.Unlock()
		return errs.New(errs.ErrCodeSocketClosed, "no open channel to "+shortID(partnerID))
	}
	peer := link.peer
	m.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.ErrCodeEncodeFailed, "encode direct frame", err)
	}
	if err := peer.Send(data); err != nil {
		return errs.Wrap(errs.ErrCodeSocketClosed, "direct send", err)
	}
	m.metricsMu.Lock()
	m.metrics.FramesSent++
	m.metricsMu.Unlock()
	return nil
}

// sendSignal relays a negotiation phase through the field service.
// Failures are logged and dropped; the partner retries or the link
// times out.
func (m *Manager) sendSignal(partnerID, phase, sdp, candidate string, strength float64) {
	ev := event.New(m.nodeID, event.Entanglement{
		PartnerID: partnerID,
		Phase:     phase,
		SDP:       sdp,
		Candidate: candidate,
		Strength:  strength,
	})
	if err := m.send(ev); err != nil {
		m.logger.Warn("signaling send failed", "phase", phase, "partner", shortID(partnerID), "error", err)
	}
}

// teardown closes and forgets the link. failed marks it as a
// negotiation failure in the metrics.
func (m *Manager) teardown(partnerID string, failed bool) {
	m.removeLink(partnerID, failed)
}

func (m *Manager) removeLink(partnerID string, failed bool) {
	m.mu.Lock()
	link := m.links[partnerID]
	if link == nil {
		m.mu.Unlock()
		return
	}
	delete(m.links, partnerID)
	delete(m.pending, partnerID)
	m.mu.Unlock()

	if link.timeout != nil {
		link.timeout.Stop()
	}
	close(link.stopSync)
	if err := link.peer.Close(); err != nil {
		m.logger.Debug("peer close", "partner", shortID(partnerID), "error", err)
	}
	m.state.SetEntanglementDirect(partnerID, false)

	m.metricsMu.Lock()
	if failed {
		m.metrics.LinksFailed++
	} else {
		m.metrics.LinksReleased++
	}
	m.metricsMu.Unlock()
}

// ActiveLinks lists partners with an open direct channel, sorted.
func (m *Manager) ActiveLinks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id, link := range m.links {
		if link.open {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) GetMetrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

// Stop tears down every link and waits for the sync loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdown)
	})

	m.mu.Lock()
	partners := make([]string, 0, len(m.links))
	for id := range m.links {
		partners = append(partners, id)
	}
	m.mu.Unlock()

	for _, id := range partners {
		m.removeLink(id, false)
	}
	m.wg.Wait()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
