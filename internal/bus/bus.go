// Package bus carries lifecycle notices between subsystems. Subscribers
// declare the notice kinds they want and receive a scoped handle;
// dropping the handle (Close) is the only unsubscription mechanism.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// NoticeKind enumerates lifecycle notices.
type NoticeKind string

const (
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeOffline      NoticeKind = "offline"
	NoticeReachable    NoticeKind = "reachable"
	NoticeDegraded     NoticeKind = "degraded"
	NoticeNodeCount    NoticeKind = "node-count"
)

// Notice is one lifecycle notification.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	NodeCount int        `json:"nodeCount,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

const subscriptionBuffer = 16

// Bus fans notices out to subscribers. Publishing never blocks; a
// subscriber that stops draining loses notices, counted in Dropped.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*Subscription
	dropped atomic.Uint64
	logger  *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscription is the scoped handle for one subscriber.
type Subscription struct {
	id    int
	kinds map[NoticeKind]struct{}
	ch    chan Notice
	bus   *Bus
	once  sync.Once
}

// Notices is the receive channel. It closes when the handle closes.
func (s *Subscription) Notices() <-chan Notice { return s.ch }

// Close unsubscribes and closes the channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers for the given kinds; no kinds means all.
func (b *Bus) Subscribe(kinds ...NoticeKind) *Subscription {
	sub := &Subscription{
		kinds: make(map[NoticeKind]struct{}, len(kinds)),
		ch:    make(chan Notice, subscriptionBuffer),
		bus:   b,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers the notice to every matching subscriber.
func (b *Bus) Publish(n Notice) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[n.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			b.dropped.Add(1)
			b.logger.Debug("notice dropped, subscriber full", "kind", n.Kind)
		}
	}
}

// Dropped returns the count of notices lost to full subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
