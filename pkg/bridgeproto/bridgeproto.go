// Package bridgeproto defines the parent<->worker bridge wire protocol
// (spec.md §4.2.2). Both the supervisor (parent side, pkg/supervisor) and
// the worker bridge (child side, pkg/worker) depend on this package instead
// of on each other, keeping ownership unidirectional per spec.md §9.
//
// The bridge is newline-delimited JSON over the child's stdin (parent->
// worker) and stdout (worker->parent); stderr is reserved for the worker's
// own crash output, which the supervisor captures for the "crash" error
// taxonomy entry (spec.md §7).
package bridgeproto

import "encoding/json"

// ParentKind discriminates parent->worker messages.
type ParentKind string

const (
	ParentInit     ParentKind = "init"
	ParentSend     ParentKind = "send"
	ParentAbort    ParentKind = "abort"
	ParentShutdown ParentKind = "shutdown"
	ParentPing     ParentKind = "bridge.ping"
)

// ParentMessage is one line written to the worker's stdin.
type ParentMessage struct {
	Kind      ParentKind      `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// InitPayload is ParentMessage.Payload for ParentInit.
type InitPayload struct {
	RequestedSessionID string `json:"requested_session_id"`
	CWD                string `json:"cwd,omitempty"`
	ConfigPath         string `json:"config_path,omitempty"`
	Model              string `json:"model,omitempty"`
	AgentID            string `json:"agent_id,omitempty"`
	EnableExtensions   bool   `json:"enable_extensions,omitempty"`
	ParentPID          int    `json:"parent_pid"`
}

// WorkerKind discriminates worker->parent messages.
type WorkerKind string

const (
	WorkerReady     WorkerKind = "ready"
	WorkerResult    WorkerKind = "result"
	WorkerEvent     WorkerKind = "event"
	WorkerLog       WorkerKind = "log"
	WorkerHeartbeat WorkerKind = "bridge.heartbeat"
)

// WorkerMessage is one line read from the worker's stdout.
type WorkerMessage struct {
	Kind      WorkerKind      `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Event     string          `json:"event,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Fields    map[string]any  `json:"fields,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// ReadyPayload is the WorkerMessage.Payload of the successful WorkerResult
// that answers ParentInit.
type ReadyPayload struct {
	RequestedSessionID string `json:"requested_session_id"`
	AgentSessionID      string `json:"agent_session_id"`
}

// SendResultPayload is WorkerMessage.Payload for a successful WorkerResult
// answering a ParentSend.
type SendResultPayload struct {
	TurnID string `json:"turn_id"`
	Output string `json:"output,omitempty"`
}

// ErrorCodeSessionBusy maps to gatewayerr BAD_STATE{kind:"session_busy"}
// (spec.md §7 propagation policy).
const ErrorCodeSessionBusy = "session_busy"

// SessionEventPayload is the payload carried by WorkerEvent frames whose
// Event is one of the session-scoped names in pkg/frame (session.turn.*).
type SessionEventPayload struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}
