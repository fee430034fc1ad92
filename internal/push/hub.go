package push

import (
	"log/slog"
	"sync"

	"github.com/iliyamo/seckill/internal/telemetry"
)

// Sink is one live push channel.  Send must not block: it returns false
// when the message was dropped.
type Sink interface {
	Send(msg []byte) bool
	Close()
}

// Hub maps buyers to their push channel.  One buyer has at most one sink;
// registering again replaces and closes the previous one.
type Hub struct {
	mu      sync.RWMutex
	sinks   map[uint64]Sink
	stopped bool
	log     *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		sinks: make(map[uint64]Sink),
		log:   log.With(slog.String("component", "push")),
	}
}

// Register attaches sink to buyerID.  It returns false, and closes sink,
// once the hub has been stopped.
func (h *Hub) Register(buyerID uint64, sink Sink) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		sink.Close()
		return false
	}
	old, replaced := h.sinks[buyerID]
	h.sinks[buyerID] = sink
	n := len(h.sinks)
	h.mu.Unlock()

	if replaced && old != sink {
		old.Close()
	}
	telemetry.PushConnections.Set(float64(n))
	return true
}

// Unregister detaches sink if it is still the one registered for buyerID.
func (h *Hub) Unregister(buyerID uint64, sink Sink) {
	h.mu.Lock()
	cur, ok := h.sinks[buyerID]
	if ok && cur == sink {
		delete(h.sinks, buyerID)
	}
	n := len(h.sinks)
	h.mu.Unlock()
	telemetry.PushConnections.Set(float64(n))
}

// SendToUser delivers ev to one buyer.  It reports whether the message was
// handed to a sink; false is not an error.
func (h *Hub) SendToUser(buyerID uint64, ev Event) bool {
	h.mu.RLock()
	sink, ok := h.sinks[buyerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	msg, err := ev.encode()
	if err != nil {
		h.log.Warn("encode push event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return false
	}
	return sink.Send(msg)
}

// Broadcast delivers ev to every registered buyer and returns how many
// sinks accepted it.
func (h *Hub) Broadcast(ev Event) int {
	msg, err := ev.encode()
	if err != nil {
		h.log.Warn("encode push event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, sink := range h.sinks {
		if sink.Send(msg) {
			sent++
		}
	}
	return sent
}

// Len returns the number of registered buyers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Stop closes every sink and refuses further registrations.
func (h *Hub) Stop() {
	h.mu.Lock()
	sinks := h.sinks
	h.sinks = make(map[uint64]Sink)
	h.stopped = true
	h.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
	telemetry.PushConnections.Set(0)
}
