// Package frame defines the wire shapes exchanged over the gateway's
// loopback connection (spec.md §4.1.1) and the closed method/event
// enumerations advertised in the hello-ok payload (spec.md §4.1.2).
package frame

import "encoding/json"

// Type discriminates the three frame shapes.
type Type string

const (
	TypeRequest  Type = "req"
	TypeResponse Type = "res"
	TypeEvent    Type = "event"
)

// Request is a client->daemon frame.
type Request struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// ErrorPayload is the error shape embedded in a Response.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Response is a daemon->client frame answering a Request.
type Response struct {
	Type    Type          `json:"type"`
	ID      string        `json:"id"`
	TraceID string        `json:"traceId,omitempty"`
	OK      bool          `json:"ok"`
	Payload any           `json:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// Event is a daemon->client frame not tied to a request.
type Event struct {
	Type    Type   `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Seq     uint64 `json:"seq"`
}

// Method is the closed enumeration of request methods (spec.md §4.1.3).
type Method string

const (
	MethodConnect            Method = "connect"
	MethodHealth             Method = "health"
	MethodStatusDeep         Method = "status.deep"
	MethodHeartbeatReload    Method = "heartbeat.reload"
	MethodGatewayRotateToken Method = "gateway.rotate-token"
	MethodGatewayStop        Method = "gateway.stop"
	MethodSessionsOpen       Method = "sessions.open"
	MethodSessionsSend       Method = "sessions.send"
	MethodSessionsSubscribe  Method = "sessions.subscribe"
	MethodSessionsUnsub      Method = "sessions.unsubscribe"
	MethodSessionsAbort      Method = "sessions.abort"
	MethodSessionsClose      Method = "sessions.close"
)

// AllMethods is advertised verbatim in the hello-ok payload.
var AllMethods = []Method{
	MethodConnect, MethodHealth, MethodStatusDeep, MethodHeartbeatReload,
	MethodGatewayRotateToken, MethodGatewayStop,
	MethodSessionsOpen, MethodSessionsSend, MethodSessionsSubscribe,
	MethodSessionsUnsub, MethodSessionsAbort, MethodSessionsClose,
}

func isKnownMethod(m Method) bool {
	for _, k := range AllMethods {
		if k == m {
			return true
		}
	}
	return false
}

// IsKnownMethod reports whether m is a recognized method (spec.md §4.1.1:
// unrecognized methods yield METHOD_NOT_FOUND).
func IsKnownMethod(m Method) bool { return isKnownMethod(m) }

// Broadcast event names (spec.md §4.1.4).
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
	EventHeartbeatFired   = "heartbeat.fired"
)

// Session-scoped event names (spec.md §4.1.4).
const (
	EventSessionTurnStart = "session.turn.start"
	EventSessionTurnChunk = "session.turn.chunk"
	EventSessionTurnEnd   = "session.turn.end"
	EventSessionTurnError = "session.turn.error"
)

// AllEvents is advertised verbatim in the hello-ok payload.
var AllEvents = []string{
	EventConnectChallenge, EventTick, EventShutdown, EventHeartbeatFired,
	EventSessionTurnStart, EventSessionTurnChunk, EventSessionTurnEnd, EventSessionTurnError,
}

// SessionScopedEvents is the set of events that are fanned out only to
// subscribers of the session_id embedded in their payload, never broadcast
// (spec.md §4.1.4).
var SessionScopedEvents = map[string]bool{
	EventSessionTurnStart: true,
	EventSessionTurnChunk: true,
	EventSessionTurnEnd:   true,
	EventSessionTurnError: true,
}

// Policy is the negotiated policy returned in hello-ok (spec.md §4.1.2).
type Policy struct {
	MaxPayloadBytes int `json:"maxPayloadBytes"`
	TickIntervalMs  int `json:"tickIntervalMs"`
}

// HelloOK is the connect response payload.
type HelloOK struct {
	Type     string   `json:"type"`
	Protocol string   `json:"protocol"`
	ServerID string   `json:"serverId"`
	Features Features `json:"features"`
	Policy   Policy   `json:"policy"`
}

// Features lists the supported methods and events (spec.md §4.1.2).
type Features struct {
	Methods []Method `json:"methods"`
	Events  []string `json:"events"`
}
