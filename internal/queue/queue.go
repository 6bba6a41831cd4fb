// Package queue buffers events generated while disconnected. The queue
// is a bounded FIFO with drop-oldest overflow, persisted through the
// store after every mutation so it survives process restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/event"
	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/store"
)

const persistVersion = 1

// Entry is one queued event with its enqueue sequence number.
type Entry struct {
	Seq   uint64      `json:"seq"`
	Event event.Event `json:"event"`
}

// Stats tracks queue activity.
type Stats struct {
	Enqueued        uint64 `json:"enqueued"`
	Dequeued        uint64 `json:"dequeued"`
	Dropped         uint64 `json:"dropped"`
	Depth           int    `json:"depth"`
	MaxDepth        int    `json:"max_depth"`
	PersistFailures uint64 `json:"persist_failures"`
}

type persisted struct {
	Version int     `json:"version"`
	NextSeq uint64  `json:"nextSeq"`
	Entries []Entry `json:"entries"`
}

// Queue is the offline event buffer. All methods are safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	nextSeq  uint64
	st       store.Store
	logger   *slog.Logger
	stats    Stats
}

// New creates an empty queue bound to the store.
func New(capacity int, st store.Store, logger *slog.Logger) *Queue {
	return &Queue{
		capacity: capacity,
		st:       st,
		logger:   logger.With("component", "queue"),
	}
}

// Load restores the persisted queue. Missing or corrupt data starts
// empty; loading never fails startup.
func (q *Queue) Load(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := q.st.Get(ctx, store.KeyQueue)
	if err != nil {
		if !store.IsNotFound(err) {
			q.logger.Warn("queue load failed, starting empty", "error", err)
		}
		return
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		q.logger.Warn("queue data corrupt, starting empty", "error", err)
		return
	}
	if p.Version != persistVersion {
		q.logger.Warn("queue version mismatch, starting empty", "version", p.Version)
		return
	}

	q.entries = p.Entries
	q.nextSeq = p.NextSeq
	if len(q.entries) > q.capacity {
		over := len(q.entries) - q.capacity
		q.entries = q.entries[over:]
		q.stats.Dropped += uint64(over)
	}
	q.stats.Depth = len(q.entries)
	q.stats.MaxDepth = len(q.entries)
	q.logger.Info("queue restored", "depth", len(q.entries))
}

// Enqueue appends the event, evicting the oldest entry on overflow,
// and persists the new queue state.
func (q *Queue) Enqueue(ctx context.Context, evt event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	q.entries = append(q.entries, Entry{Seq: q.nextSeq, Event: evt})
	q.stats.Enqueued++
	if len(q.entries) > q.capacity {
		q.entries = q.entries[1:]
		q.stats.Dropped++
	}
	q.noteDepthLocked()
	q.persistLocked(ctx)
}

// Drain returns all queued events oldest-first and clears the queue in
// one step. The cleared state is persisted before Drain returns, so an
// interruption leaves either the full or the empty queue on disk,
// never part of one.
func (q *Queue) Drain(ctx context.Context) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	events := make([]event.Event, len(q.entries))
	for i, e := range q.entries {
		events[i] = e.Event
	}
	q.stats.Dequeued += uint64(len(q.entries))
	q.entries = nil
	q.stats.Depth = 0
	q.persistLocked(ctx)
	return events
}

// Requeue restores a drained batch to the front in its original order,
// rolling back a failed send. Overflow still evicts from the oldest
// end, which is the restored batch itself.
func (q *Queue) Requeue(ctx context.Context, events []event.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := make([]Entry, 0, len(events)+len(q.entries))
	for _, evt := range events {
		q.nextSeq++
		restored = append(restored, Entry{Seq: q.nextSeq, Event: evt})
	}
	q.entries = append(restored, q.entries...)
	if over := len(q.entries) - q.capacity; over > 0 {
		q.entries = q.entries[over:]
		q.stats.Dropped += uint64(over)
	}
	q.noteDepthLocked()
	q.persistLocked(ctx)
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// GetStats returns a snapshot of queue activity.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) noteDepthLocked() {
	q.stats.Depth = len(q.entries)
	if q.stats.Depth > q.stats.MaxDepth {
		q.stats.MaxDepth = q.stats.Depth
	}
}

// persistLocked writes the full queue. Persistence failures are logged
// and counted, never propagated; the in-memory queue stays correct.
func (q *Queue) persistLocked(ctx context.Context) {
	p := persisted{Version: persistVersion, NextSeq: q.nextSeq, Entries: q.entries}
	data, err := json.Marshal(p)
	if err != nil {
		q.stats.PersistFailures++
		q.logger.Warn("queue marshal failed", "error", err)
		return
	}
	if err := q.st.Set(ctx, store.KeyQueue, data); err != nil {
		q.stats.PersistFailures++
		q.logger.Warn("queue persist failed", "error", fmt.Errorf("set %s: %w", store.KeyQueue, err))
	}
}
