// Package supervisor implements the session supervisor (spec.md §4.2): a
// bounded worker pool that spawns, tracks, and reaps one child process per
// logical session, with admission control, per-worker RPC multiplexing,
// bridge heartbeats, idle reaping, crash-safe registry persistence and
// orphan cleanup.
package supervisor

import (
	"sync"
	"time"
)

// OpenInput is the input to OpenSession (spec.md §4.2.3).
type OpenInput struct {
	SessionID        string
	CWD              string
	ConfigPath       string
	Model            string
	AgentID          string
	EnableExtensions bool
}

// OpenResult is returned by OpenSession.
type OpenResult struct {
	SessionID          string
	RequestedSessionID string
	Created            bool
	WorkerPID          int
	AgentSessionID     string
}

// SendOptions are the optional fields of SendPrompt (spec.md §4.2.3).
type SendOptions struct {
	TurnID             string
	Source             string
	WaitForCompletion  bool
	WALReplayID        string
}

// SendResult is returned by SendPrompt.
type SendResult struct {
	SessionID      string
	AgentSessionID string
	TurnID         string
	Accepted       bool
	Output         string
}

// pendingRequest is one outstanding parent->worker RPC (spec.md §4.2.2,
// §9 "Per-request correlation").
type pendingRequest struct {
	resolve chan rpcOutcome
	timer   *time.Timer
}

type rpcOutcome struct {
	ok      bool
	payload []byte
	errCode string
	errMsg  string
}

// pendingTurn is registered when SendPrompt is called with
// wait_for_completion=true (spec.md §3 "Session worker handle").
type pendingTurn struct {
	done chan turnOutcome
}

type turnOutcome struct {
	output string
	err    error
}

// Handle is the session worker handle (spec.md §3).
type Handle struct {
	mu sync.Mutex

	SessionID        string
	ChildPID         int
	StartedAt        time.Time
	LastActivityAt   time.Time
	LastHeartbeatAt  time.Time
	CWD              string
	ConfigPath       string
	Model            string
	AgentID          string
	EnableExtensions bool
	AgentSessionID   string

	pendingRequests map[string]*pendingRequest
	pendingTurns    map[string]*pendingTurn
	activeTurnWAL   map[string]string // turn_id -> wal_id
	readyInProgress bool

	proc *workerProc
}

func newHandle(sessionID string) *Handle {
	return &Handle{
		SessionID:       sessionID,
		StartedAt:       time.Now(),
		LastActivityAt:  time.Now(),
		pendingRequests: make(map[string]*pendingRequest),
		pendingTurns:    make(map[string]*pendingTurn),
		activeTurnWAL:   make(map[string]string),
	}
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.LastActivityAt = time.Now()
	h.mu.Unlock()
}

// idleEligible reports whether the handle has been inactive for at least
// idleTTL (never, if idleTTL is not positive) and has no pending RPCs, no
// pending turns, and no in-progress ready (spec.md §4.2.4).
func (h *Handle) idleEligible(now time.Time, idleTTL time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idleTTL <= 0 {
		return false
	}
	if len(h.pendingRequests) > 0 || len(h.pendingTurns) > 0 || h.readyInProgress {
		return false
	}
	return now.Sub(h.LastActivityAt) >= idleTTL
}

// hasActiveTurn reports whether turnID is already tracked as active on this
// worker (spec.md §3: "a turn id is active... for at most one in-flight
// send per worker").
func (h *Handle) hasActiveTurn(turnID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.activeTurnWAL[turnID]
	if ok {
		return true
	}
	_, ok = h.pendingTurns[turnID]
	return ok
}
