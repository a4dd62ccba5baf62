package hub

import (
	"fmt"
	"sync"

	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
	"todo-realtime/internal/telemetry"
)

// Registry owns the set of live connections. Register and Unregister take the write lock and
// delivery enumerates under the read lock, so a connection registered mid-broadcast is excluded
// from it and nothing is queued to a connection after Unregister returns.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds a connection.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.id]; exists {
		return fmt.Errorf("register %s: %w", c.id, models.ErrDuplicateConnection)
	}
	r.conns[c.id] = c
	telemetry.ConnectionsGauge.Inc()

	l := logging.L()
	l.Debug().Str(logging.FieldConnID, c.id).Msg("connection registered")
	return nil
}

// Unregister removes a connection and closes its outbound queue. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		close(c.send)
		telemetry.ConnectionsGauge.Dec()
	}
	r.mu.Unlock()

	if ok {
		l := logging.L()
		l.Debug().Str(logging.FieldConnID, id).Msg("connection unregistered")
	}
}

// Bind records the user identity announced by a connection. It reports false for unknown ids.
func (r *Registry) Bind(id, userID string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.bind(userID)
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast queues payload under event for every registered connection. Delivery is best-effort:
// a saturated connection is dropped and never blocks the others.
func (r *Registry) Broadcast(event string, payload any) {
	frame, err := Encode(event, payload)
	if err != nil {
		l := logging.L()
		l.Error().Err(err).Str(logging.FieldEvent, event).Msg("broadcast encode failed")
		return
	}

	var saturated []string
	r.mu.RLock()
	for id, c := range r.conns {
		if !enqueue(c, frame) {
			saturated = append(saturated, id)
			continue
		}
		telemetry.BroadcastDelivered.WithLabelValues(event).Inc()
	}
	r.mu.RUnlock()

	r.evict(event, saturated)
}

// ReplyTo queues payload under event for a single connection. A missing connection is logged.
func (r *Registry) ReplyTo(id, event string, payload any) {
	frame, err := Encode(event, payload)
	if err != nil {
		l := logging.L()
		l.Error().Err(err).Str(logging.FieldEvent, event).Str(logging.FieldConnID, id).Msg("reply encode failed")
		return
	}

	r.mu.RLock()
	c, ok := r.conns[id]
	delivered := ok && enqueue(c, frame)
	r.mu.RUnlock()

	switch {
	case !ok:
		telemetry.BroadcastDropped.WithLabelValues(event).Inc()
		l := logging.L()
		l.Debug().Str(logging.FieldConnID, id).Str(logging.FieldEvent, event).Msg("reply to unknown connection dropped")
	case !delivered:
		r.evict(event, []string{id})
	default:
		telemetry.BroadcastDelivered.WithLabelValues(event).Inc()
	}
}

func (r *Registry) evict(event string, ids []string) {
	for _, id := range ids {
		telemetry.BroadcastDropped.WithLabelValues(event).Inc()
		l := logging.L()
		l.Warn().Str(logging.FieldConnID, id).Str(logging.FieldEvent, event).Msg("outbound queue full, dropping connection")
		r.Unregister(id)
	}
}

// enqueue must be called with the registry read lock held so the channel cannot be closed under it.
func enqueue(c *Conn, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
