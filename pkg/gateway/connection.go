// Package gateway implements the gateway daemon (spec.md §4.1): a
// token-authenticated, framed-message control plane that multiplexes many
// clients onto session-scoped event fan-out, composing the session
// supervisor, turn WAL, heartbeat scheduler and intent scheduler.
package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/gateway/pkg/frame"
)

// Phase is the connection state machine's state (spec.md §3 "Connection",
// §4.1.2).
type Phase string

const (
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseClosing        Phase = "closing"
)

// ClientDescriptor is the optional {id, version, mode} a client announces
// on connect.
type ClientDescriptor struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// wsWriter is the minimal surface connection needs from frame.Conn, so
// tests can drive it with a fake instead of a real websocket. Lock/Unlock/
// WriteJSONLocked exist so the hub can assign a sequence number and write
// it out as one atomic unit per connection (spec.md §4.1.4).
type wsWriter interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
	Lock()
	Unlock()
	WriteJSONLocked(v any) error
}

// connection is one accepted client (spec.md §3 "Connection"). Field
// mutation is guarded by mu; the connection never transitions backward out
// of PhaseClosing.
type connection struct {
	mu sync.Mutex

	id                 string
	conn               wsWriter
	phase              Phase
	challengeNonce     string
	authenticatedToken string
	subscribedSessions map[string]struct{}
	client             ClientDescriptor
	connectedAt        time.Time
	lastSeenAt         time.Time
}

func newConnection(conn wsWriter) *connection {
	return &connection{
		id:                 uuid.NewString(),
		conn:               conn,
		phase:              PhaseConnected,
		challengeNonce:      uuid.NewString(),
		subscribedSessions: make(map[string]struct{}),
		connectedAt:        time.Now(),
		lastSeenAt:         time.Now(),
	}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

func (c *connection) getPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// setPhase enforces the one-way transition out of closing (spec.md §3
// "a connection never transitions backward out of closing").
func (c *connection) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosing {
		return
	}
	c.phase = p
}

func (c *connection) authenticate(token string) {
	c.mu.Lock()
	c.authenticatedToken = token
	c.mu.Unlock()
}

func (c *connection) tokenMatches(current string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedToken == current
}

func (c *connection) subscribe(sessionID string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribedSessions[sessionID]; ok {
		return false
	}
	c.subscribedSessions[sessionID] = struct{}{}
	return true
}

func (c *connection) unsubscribe(sessionID string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribedSessions[sessionID]; !ok {
		return false
	}
	delete(c.subscribedSessions, sessionID)
	return true
}

func (c *connection) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedSessions[sessionID]
	return ok
}

// send delivers a frame to the client. Per spec.md §4.1.5 ("a send to a
// socket not in OPEN state is silently dropped"), write errors here are
// swallowed; the connection's own reader loop is responsible for detecting
// and cleaning up a dead socket.
func (c *connection) send(v any) {
	_ = c.conn.WriteJSON(v)
}

func (c *connection) closeWith(code int, reason string) {
	c.setPhase(PhaseClosing)
	_ = c.conn.Close(code, reason)
}

const closePolicyViolation = 1008 // RFC 6455 "policy violation"

func (c *connection) sendChallenge() {
	c.send(frame.Event{Type: frame.TypeEvent, Event: frame.EventConnectChallenge, Payload: map[string]string{"nonce": c.challengeNonce}})
}
