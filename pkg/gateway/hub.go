package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/logger"
)

// hub owns the connection table and assigns the global event sequence
// (spec.md §4.1.4: "sequence numbers are assigned under the same lock that
// appends to a connection's outbound queue").
type hub struct {
	mu    sync.Mutex
	conns map[string]*connection
	seq   uint64
}

func newHub() *hub {
	return &hub{conns: make(map[string]*connection)}
}

func (h *hub) add(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
}

func (h *hub) get(connID string) (*connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	return c, ok
}

func (h *hub) snapshot() []*connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// nextSeq assigns the next global sequence number (spec.md §4.1.4, §5
// "Global event sequence numbers are strictly monotonic and unique"). It is
// only ever called from deliver, which holds the target connection's own
// write lock across the assignment and the write, so two goroutines racing
// to deliver to the same connection cannot land their writes out of the
// order their sequence numbers were handed out in.
func (h *hub) nextSeq() uint64 {
	return atomic.AddUint64(&h.seq, 1)
}

// deliver assigns the next sequence number and writes one event to c as a
// single atomic unit under c's own write lock (spec.md §4.1.4 "sequence
// numbers are assigned under the same lock that appends to a connection's
// outbound queue"). Without this, two goroutines delivering concurrently to
// the same connection — the tick timer, a worker's event callback, the
// heartbeat scheduler — could each grab a sequence number and then race to
// write, letting the later-numbered event reach the socket first.
func (h *hub) deliver(c *connection, event string, payload any) {
	c.conn.Lock()
	defer c.conn.Unlock()
	ev := frame.Event{Type: frame.TypeEvent, Event: event, Payload: payload, Seq: h.nextSeq()}
	_ = c.conn.WriteJSONLocked(ev)
}

// broadcast delivers one event to every authenticated connection (spec.md
// §4.1.4).
func (h *hub) broadcast(event string, payload any) {
	for _, c := range h.snapshot() {
		if c.getPhase() == PhaseAuthenticated {
			h.deliver(c, event, payload)
		}
	}
}

// dispatchSessionEvent delivers a session-scoped event only to connections
// subscribed to that session (spec.md §4.1.4). A payload with no resolvable
// session_id is dropped and logged, never broadcast.
func (h *hub) dispatchSessionEvent(event, sessionID string, payload any) {
	if sessionID == "" {
		logger.Warnf("gateway: dropping session-scoped event %q with no session_id", event)
		return
	}
	for _, c := range h.snapshot() {
		if c.getPhase() == PhaseAuthenticated && c.isSubscribed(sessionID) {
			h.deliver(c, event, payload)
		}
	}
}

// closeAllAuthenticatedWithToken force-closes every connection whose stored
// token equals oldToken (spec.md §4.1.3 "gateway.rotate-token": "force-
// close all currently authenticated connections whose stored token matches
// the old token").
func (h *hub) closeAllAuthenticatedWithToken(oldToken, reason string) int {
	revoked := 0
	for _, c := range h.snapshot() {
		if c.getPhase() == PhaseAuthenticated && c.tokenMatches(oldToken) {
			c.closeWith(closePolicyViolation, reason)
			revoked++
		}
	}
	return revoked
}
