package entangle

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/errs"
)

// pionLink is the production peerLink backed by a pion PeerConnection
// with a single data channel.
type pionLink struct {
	pc *webrtc.PeerConnection
	cb linkCallbacks

	mu sync.RWMutex
	dc *webrtc.DataChannel
}

// newPionFactory builds peer connections against the given ICE servers.
func newPionFactory(iceServers []string) linkFactory {
	return func(partnerID string, initiator bool, cb linkCallbacks) (peerLink, error) {
		servers := make([]webrtc.ICEServer, 0, len(iceServers))
		for _, url := range iceServers {
			servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
		}

		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers:         servers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
			BundlePolicy:       webrtc.BundlePolicyMaxCompat,
			RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
		})
		if err != nil {
			return nil, errs.Wrap(errs.ErrCodeConnectFailed, "create peer connection", err)
		}

		l := &pionLink{pc: pc, cb: cb}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			data, err := json.Marshal(c.ToJSON())
			if err != nil {
				return
			}
			cb.OnCandidate(string(data))
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateDisconnected,
				webrtc.PeerConnectionStateFailed,
				webrtc.PeerConnectionStateClosed:
				cb.OnClosed()
			}
		})

		if initiator {
			dc, err := pc.CreateDataChannel(channelLabel, nil)
			if err != nil {
				pc.Close()
				return nil, errs.Wrap(errs.ErrCodeConnectFailed, "create data channel", err)
			}
			l.bindChannel(dc)
		} else {
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				l.bindChannel(dc)
			})
		}

		return l, nil
	}
}

func (l *pionLink) bindChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() { l.cb.OnOpen() })
	dc.OnClose(func() { l.cb.OnClosed() })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.cb.OnMessage(msg.Data)
	})
}

func (l *pionLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *pionLink) AcceptOffer(sdp string) (string, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &offer); err != nil {
		return "", errs.Wrap(errs.ErrCodeDecodeFailed, "decode offer", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *pionLink) AcceptAnswer(sdp string) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &answer); err != nil {
		return errs.Wrap(errs.ErrCodeDecodeFailed, "decode answer", err)
	}
	return l.pc.SetRemoteDescription(answer)
}

func (l *pionLink) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return errs.Wrap(errs.ErrCodeDecodeFailed, "decode candidate", err)
	}
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) Send(data []byte) error {
	l.mu.RLock()
	dc := l.dc
	l.mu.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errs.New(errs.ErrCodeSocketClosed, "data channel not open")
	}
	return dc.Send(data)
}

func (l *pionLink) Close() error {
	l.mu.RLock()
	dc := l.dc
	l.mu.RUnlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			return err
		}
	}
	return l.pc.Close()
}
