// Package hub fans payloads out to a dynamic set of streaming subscribers.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sweeney/roofctl/internal/metrics"
)

// Subscriber receives broadcast payloads.
type Subscriber interface {
	ID() uuid.UUID
	// Send delivers one payload. An error marks the subscriber dead.
	Send(ctx context.Context, payload []byte) error
	Close()
}

// Result summarizes one Broadcast.
type Result struct {
	Delivered int
	Pruned    int
}

// Hub is a thread-safe set of subscribers.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.HubMetrics

	mu   sync.Mutex
	subs map[uuid.UUID]Subscriber
}

// New creates an empty Hub. m may be nil.
func New(logger *slog.Logger, m *metrics.HubMetrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger.With("component", "hub"),
		metrics: m,
		subs:    make(map[uuid.UUID]Subscriber),
	}
}

// Add registers s. Adding an id twice replaces the earlier subscriber.
func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.log.Debug("subscriber added", "id", s.ID(), "subscribers", n)
}

// Remove unregisters the subscriber with id. It does not close it.
// It reports whether the subscriber was present.
func (h *Hub) Remove(id uuid.UUID) bool {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.SetSubscribers(n)
		h.log.Debug("subscriber removed", "id", id, "subscribers", n)
	}
	return ok
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends payload to every subscriber registered when it is called.
// Sends run concurrently and outside the lock; Broadcast returns once all of
// them have finished. Subscribers whose send failed are removed and closed.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) Result {
	h.mu.Lock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		h.metrics.ObserveBroadcast(0)
		return Result{}
	}

	failed := make([]bool, len(snapshot))
	var wg sync.WaitGroup
	for i, s := range snapshot {
		wg.Add(1)
		go func(i int, s Subscriber) {
			defer wg.Done()
			if err := s.Send(ctx, payload); err != nil {
				h.log.Debug("send failed, pruning subscriber", "id", s.ID(), "error", err)
				failed[i] = true
			}
		}(i, s)
	}
	wg.Wait()

	var res Result
	var dead []Subscriber
	h.mu.Lock()
	for i, s := range snapshot {
		if !failed[i] {
			res.Delivered++
			continue
		}
		// Only prune the instance we sent to; the id may have been re-added.
		if cur, ok := h.subs[s.ID()]; ok && cur == s {
			delete(h.subs, s.ID())
		}
		dead = append(dead, s)
	}
	n := len(h.subs)
	h.mu.Unlock()

	for _, s := range dead {
		s.Close()
	}
	res.Pruned = len(dead)

	h.metrics.ObserveBroadcast(res.Pruned)
	if res.Pruned > 0 {
		h.metrics.SetSubscribers(n)
		h.log.Info("pruned subscribers", "pruned", res.Pruned, "subscribers", n)
	}
	return res
}

// CloseAll removes and closes every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uuid.UUID]Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	h.metrics.SetSubscribers(0)
	if len(subs) > 0 {
		h.log.Info("closed all subscribers", "count", len(subs))
	}
}
