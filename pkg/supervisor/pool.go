package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/gateway/pkg/bridgeproto"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/gatewayerr"
	"github.com/brewva/gateway/pkg/logger"
	"github.com/brewva/gateway/pkg/wal"
)

// WorkerEvent is delivered to the gateway's registered callback whenever a
// worker emits an event frame (spec.md §4.1.4, §9 "Cyclic references": the
// supervisor never holds a reference back to the gateway, only a callback).
type WorkerEvent struct {
	SessionID string
	Event     string
	Payload   any
}

// Config tunes the admission and RPC timing knobs from spec.md §4.2.
type Config struct {
	MaxWorkers     int
	MaxOpenQueue   int
	RPCTimeout     time.Duration
	ReadyTimeout   time.Duration
	PingInterval   time.Duration
	HeartbeatTTL   time.Duration
	IdleTTL        time.Duration
	IdleSweepEvery time.Duration
	RegistryPath   string
	StopGrace      time.Duration
}

// DefaultConfig mirrors the approximate values named in spec.md §4.2.2/§4.2.4.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     8,
		MaxOpenQueue:   16,
		RPCTimeout:     5 * time.Minute,
		ReadyTimeout:   30 * time.Second,
		PingInterval:   4 * time.Second,
		HeartbeatTTL:   20 * time.Second,
		IdleTTL:        30 * time.Minute,
		IdleSweepEvery: 30 * time.Second,
		StopGrace:      3 * time.Second,
	}
}

// Pool is the session supervisor (spec.md §4.2).
type Pool struct {
	cfg       Config
	admission *admission
	wal       *wal.Store // may be nil: WAL integration is optional per caller

	mu      sync.Mutex
	handles map[string]*Handle

	onEvent func(WorkerEvent)

	stopOnce   sync.Once
	stopSignal chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Pool. onEvent is the gateway's fan-out callback; it is
// invoked synchronously from the reader goroutine, so it must not block.
func New(cfg Config, walStore *wal.Store, onEvent func(WorkerEvent)) *Pool {
	if cfg.IdleSweepEvery <= 0 {
		cfg.IdleSweepEvery = 30 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		admission:  newAdmission(cfg.MaxWorkers, cfg.MaxOpenQueue),
		wal:        walStore,
		handles:    make(map[string]*Handle),
		onEvent:    onEvent,
		stopSignal: make(chan struct{}),
	}
}

// SetOnEvent assigns the fan-out callback after construction. It exists for
// the gateway daemon's wiring order (spec.md §9 "Cyclic references": the
// gateway's own event handler is a method on the very value that needs to
// be constructed with the pool already in hand) — callers must call this
// before StartupRecover or any session traffic, never concurrently with it.
func (p *Pool) SetOnEvent(onEvent func(WorkerEvent)) {
	p.onEvent = onEvent
}

// StartupRecover cleans up orphaned workers from a previous crash (spec.md
// §4.2.5) and starts the idle reaper ticker (spec.md §4.2.4).
func (p *Pool) StartupRecover() error {
	if p.cfg.RegistryPath != "" {
		if err := cleanupOrphans(p.cfg.RegistryPath); err != nil {
			return err
		}
	}
	if p.cfg.IdleTTL > 0 {
		p.wg.Add(1)
		go p.idleReaperLoop()
	}
	return nil
}

func (p *Pool) persistRegistry() {
	if p.cfg.RegistryPath == "" {
		return
	}
	p.mu.Lock()
	entries := make([]RegistryEntry, 0, len(p.handles))
	for _, h := range p.handles {
		entries = append(entries, RegistryEntry{SessionID: h.SessionID, PID: h.ChildPID, StartedAt: h.StartedAt})
	}
	p.mu.Unlock()
	if err := writeRegistry(p.cfg.RegistryPath, entries); err != nil {
		logger.Warnf("supervisor: failed to persist registry: %v", err)
	}
}

// OpenSession implements spec.md §4.2.3.
func (p *Pool) OpenSession(ctx context.Context, in OpenInput) (OpenResult, error) {
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	p.mu.Lock()
	if existing, ok := p.handles[sessionID]; ok {
		p.mu.Unlock()
		existing.touch()
		return OpenResult{SessionID: sessionID, RequestedSessionID: in.SessionID, Created: false, WorkerPID: existing.ChildPID, AgentSessionID: existing.AgentSessionID}, nil
	}
	p.mu.Unlock()

	if err := p.admission.acquire(ctx); err != nil {
		return OpenResult{}, err
	}

	h := newHandle(sessionID)
	h.CWD = in.CWD
	h.ConfigPath = in.ConfigPath
	h.Model = in.Model
	h.AgentID = in.AgentID
	h.EnableExtensions = in.EnableExtensions
	h.mu.Lock()
	h.readyInProgress = true
	h.mu.Unlock()

	proc, stdout, err := spawnWorker(sessionID)
	if err != nil {
		p.admission.release(false)
		return OpenResult{}, gatewayerr.Internal(fmt.Errorf("spawn worker: %w", err))
	}
	h.proc = proc
	h.ChildPID = proc.pid()

	p.mu.Lock()
	p.handles[sessionID] = h
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(h, stdout)

	reqID := uuid.NewString()
	ready, err := p.callRPC(h, bridgeproto.ParentMessage{
		Kind:      bridgeproto.ParentInit,
		RequestID: reqID,
		Payload:   mustJSON(bridgeproto.InitPayload{RequestedSessionID: sessionID, CWD: in.CWD, ConfigPath: in.ConfigPath, Model: in.Model, AgentID: in.AgentID, EnableExtensions: in.EnableExtensions, ParentPID: currentPID()}),
	}, p.cfg.ReadyTimeout)

	h.mu.Lock()
	h.readyInProgress = false
	h.mu.Unlock()

	if err != nil {
		p.teardownFailedOpen(h)
		return OpenResult{}, err
	}

	var readyPayload bridgeproto.ReadyPayload
	if uerr := json.Unmarshal(ready, &readyPayload); uerr != nil {
		p.teardownFailedOpen(h)
		return OpenResult{}, gatewayerr.Internal(fmt.Errorf("parse ready payload: %w", uerr))
	}

	h.mu.Lock()
	h.AgentSessionID = readyPayload.AgentSessionID
	h.mu.Unlock()

	h.mu.Lock()
	h.LastHeartbeatAt = time.Now()
	h.mu.Unlock()

	p.admission.commit()
	p.persistRegistry()

	if p.cfg.PingInterval > 0 {
		p.wg.Add(1)
		go p.pingLoop(h)
	}

	return OpenResult{
		SessionID:          sessionID,
		RequestedSessionID: in.SessionID,
		Created:            true,
		WorkerPID:          h.ChildPID,
		AgentSessionID:     readyPayload.AgentSessionID,
	}, nil
}

func (p *Pool) teardownFailedOpen(h *Handle) {
	p.mu.Lock()
	delete(p.handles, h.SessionID)
	p.mu.Unlock()
	h.proc.terminate(p.cfg.StopGrace)
	p.admission.release(false)
	p.persistRegistry()
}

// SendPrompt implements spec.md §4.2.3.
func (p *Pool) SendPrompt(ctx context.Context, sessionID, prompt string, opts SendOptions) (SendResult, error) {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	p.mu.Unlock()
	if !ok {
		return SendResult{}, gatewayerr.BadState("session_not_found", "no worker for session %s", sessionID)
	}

	turnID := opts.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	if h.hasActiveTurn(turnID) {
		return SendResult{}, gatewayerr.BadState("duplicate_active_turn_id", "turn %s already active", turnID)
	}

	var pt *pendingTurn
	if opts.WaitForCompletion {
		pt = &pendingTurn{done: make(chan turnOutcome, 1)}
		h.mu.Lock()
		h.pendingTurns[turnID] = pt
		h.mu.Unlock()
	}

	var walID string
	if p.wal != nil && opts.WALReplayID == "" {
		source := wal.Source(opts.Source)
		if source == "" {
			source = wal.SourceGateway
		}
		rec, err := p.wal.AppendPending(wal.Envelope{SessionID: sessionID, TurnID: turnID, Parts: []string{prompt}, Timestamp: time.Now()}, source, 0, fmt.Sprintf("%s:%s:%s", source, sessionID, turnID))
		if err != nil {
			return SendResult{}, gatewayerr.Internal(err)
		}
		walID = rec.WALID
		if _, err := p.wal.MarkInflight(walID); err != nil {
			logger.Warnf("wal: failed marking %s inflight: %v", walID, err)
		}
	} else if opts.WALReplayID != "" {
		walID = opts.WALReplayID
	}

	if walID != "" {
		h.mu.Lock()
		h.activeTurnWAL[turnID] = walID
		h.mu.Unlock()
	}

	reqID := uuid.NewString()
	result, rpcErr := p.callRPC(h, bridgeproto.ParentMessage{
		Kind:      bridgeproto.ParentSend,
		RequestID: reqID,
		Prompt:    prompt,
		TurnID:    turnID,
	}, p.cfg.RPCTimeout)

	h.touch()

	if rpcErr != nil {
		p.failTurn(h, turnID, walID, rpcErr)
		return SendResult{}, rpcErr
	}

	var sendResult bridgeproto.SendResultPayload
	_ = json.Unmarshal(result, &sendResult)
	finalTurnID := turnID
	if sendResult.TurnID != "" && sendResult.TurnID != turnID {
		// The worker renamed the turn in its ack: rekey both maps
		// atomically (spec.md §4.2.3 step 5, §9 "Worker-turn correlation").
		p.rekeyTurn(h, turnID, sendResult.TurnID)
		finalTurnID = sendResult.TurnID
	}

	out := SendResult{SessionID: sessionID, AgentSessionID: h.AgentSessionID, TurnID: finalTurnID, Accepted: true}

	if pt != nil {
		select {
		case outcome := <-pt.done:
			out.Output = outcome.output
			if outcome.err != nil {
				return out, gatewayerr.Internal(outcome.err)
			}
		case <-ctx.Done():
			return out, gatewayerr.Internal(ctx.Err())
		}
	}
	return out, nil
}

func (p *Pool) rekeyTurn(h *Handle, oldID, newID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if walID, ok := h.activeTurnWAL[oldID]; ok {
		delete(h.activeTurnWAL, oldID)
		h.activeTurnWAL[newID] = walID
	}
	if pt, ok := h.pendingTurns[oldID]; ok {
		delete(h.pendingTurns, oldID)
		h.pendingTurns[newID] = pt
	}
}

func (p *Pool) failTurn(h *Handle, turnID, walID string, err error) {
	if walID != "" && p.wal != nil {
		if _, werr := p.wal.MarkFailed(walID, err.Error()); werr != nil {
			logger.Warnf("wal: failed marking %s failed: %v", walID, werr)
		}
	}
	h.mu.Lock()
	delete(h.activeTurnWAL, turnID)
	pt, ok := h.pendingTurns[turnID]
	delete(h.pendingTurns, turnID)
	h.mu.Unlock()
	if ok {
		select {
		case pt.done <- turnOutcome{err: err}:
		default:
		}
	}
}

// AbortSession implements spec.md §4.2.3: a single abort RPC.
func (p *Pool) AbortSession(ctx context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	_, err := p.callRPC(h, bridgeproto.ParentMessage{Kind: bridgeproto.ParentAbort, RequestID: uuid.NewString()}, p.cfg.RPCTimeout)
	h.touch()
	return true, err
}

// StopSession implements spec.md §4.2.3: graceful shutdown then forced
// terminate; always removes the handle and notifies the admission queue,
// even on error.
func (p *Pool) StopSession(ctx context.Context, sessionID, reason string) (bool, error) {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	if ok {
		delete(p.handles, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	_, rpcErr := p.callRPC(h, bridgeproto.ParentMessage{Kind: bridgeproto.ParentShutdown, RequestID: uuid.NewString(), Reason: reason}, p.cfg.RPCTimeout)
	h.proc.terminate(p.cfg.StopGrace)
	p.rejectAllPending(h, fmt.Errorf("session stopped: %s", reason))
	p.admission.release(true)
	p.persistRegistry()
	return true, rpcErr
}

func (p *Pool) rejectAllPending(h *Handle, cause error) {
	h.mu.Lock()
	reqs := h.pendingRequests
	h.pendingRequests = make(map[string]*pendingRequest)
	turns := h.pendingTurns
	h.pendingTurns = make(map[string]*pendingTurn)
	wals := h.activeTurnWAL
	h.activeTurnWAL = make(map[string]string)
	h.mu.Unlock()

	for _, pr := range reqs {
		pr.timer.Stop()
		select {
		case pr.resolve <- rpcOutcome{ok: false, errMsg: cause.Error()}:
		default:
		}
	}
	for _, pt := range turns {
		select {
		case pt.done <- turnOutcome{err: cause}:
		default:
		}
	}
	if p.wal != nil {
		for _, walID := range wals {
			if _, err := p.wal.MarkFailed(walID, "worker_crash:"+cause.Error()); err != nil {
				logger.Warnf("wal: failed marking %s failed: %v", walID, err)
			}
		}
	}
}

// callRPC issues one parent->worker RPC and blocks until result or timeout
// (spec.md §4.2.2, §9 "Per-request correlation").
func (p *Pool) callRPC(h *Handle, msg bridgeproto.ParentMessage, timeout time.Duration) ([]byte, error) {
	pr := &pendingRequest{resolve: make(chan rpcOutcome, 1)}
	h.mu.Lock()
	h.pendingRequests[msg.RequestID] = pr
	h.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		h.mu.Lock()
		_, still := h.pendingRequests[msg.RequestID]
		delete(h.pendingRequests, msg.RequestID)
		h.mu.Unlock()
		if still {
			select {
			case pr.resolve <- rpcOutcome{ok: false, errMsg: "rpc timeout"}:
			default:
			}
		}
	})

	if err := h.proc.send(msg); err != nil {
		h.mu.Lock()
		delete(h.pendingRequests, msg.RequestID)
		h.mu.Unlock()
		pr.timer.Stop()
		return nil, gatewayerr.Internal(err)
	}

	outcome := <-pr.resolve
	pr.timer.Stop()
	if !outcome.ok {
		if outcome.errCode == bridgeproto.ErrorCodeSessionBusy {
			return nil, gatewayerr.BadState("session_busy", "%s", outcome.errMsg)
		}
		return nil, gatewayerr.Internal(fmt.Errorf("%s", outcome.errMsg))
	}
	return outcome.payload, nil
}

// readLoop consumes the worker's stdout, routing result/event/log/heartbeat
// frames (spec.md §4.2.2). It exits when the pipe closes (worker exited),
// at which point all pending work on this worker is rejected (spec.md
// §4.2.6).
func (p *Pool) readLoop(h *Handle, stdout io.Reader) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var msg bridgeproto.WorkerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Warnf("session %s: malformed worker frame: %v", h.SessionID, err)
			continue
		}
		p.handleWorkerMessage(h, msg)
	}

	p.onWorkerExit(h)
}

func (p *Pool) handleWorkerMessage(h *Handle, msg bridgeproto.WorkerMessage) {
	switch msg.Kind {
	case bridgeproto.WorkerResult:
		h.mu.Lock()
		pr, ok := h.pendingRequests[msg.RequestID]
		delete(h.pendingRequests, msg.RequestID)
		h.mu.Unlock()
		if !ok {
			return
		}
		pr.timer.Stop()
		outcome := rpcOutcome{ok: msg.OK, payload: msg.Payload, errCode: msg.ErrorCode, errMsg: msg.Error}
		select {
		case pr.resolve <- outcome:
		default:
		}
	case bridgeproto.WorkerHeartbeat:
		h.mu.Lock()
		h.LastHeartbeatAt = time.Now()
		h.mu.Unlock()
	case bridgeproto.WorkerLog:
		logger.Infof("session %s worker log[%s]: %s", h.SessionID, msg.Level, msg.Message)
	case bridgeproto.WorkerEvent:
		p.dispatchEvent(h, msg)
	}
}

func (p *Pool) dispatchEvent(h *Handle, msg bridgeproto.WorkerMessage) {
	var ev bridgeproto.SessionEventPayload
	_ = json.Unmarshal(msg.Payload, &ev)
	if ev.SessionID == "" {
		ev.SessionID = h.SessionID
	}

	switch msg.Event {
	case frame.EventSessionTurnEnd:
		if ev.TurnID == "" {
			break
		}
		h.mu.Lock()
		walID, hasWAL := h.activeTurnWAL[ev.TurnID]
		delete(h.activeTurnWAL, ev.TurnID)
		pt, hasTurn := h.pendingTurns[ev.TurnID]
		delete(h.pendingTurns, ev.TurnID)
		h.mu.Unlock()
		if hasWAL && p.wal != nil {
			if _, err := p.wal.MarkDone(walID); err != nil {
				logger.Warnf("wal: failed marking %s done: %v", walID, err)
			}
		}
		if hasTurn {
			select {
			case pt.done <- turnOutcome{output: ev.Text}:
			default:
			}
		}
	case frame.EventSessionTurnError:
		if ev.TurnID == "" {
			break
		}
		h.mu.Lock()
		walID, hasWAL := h.activeTurnWAL[ev.TurnID]
		delete(h.activeTurnWAL, ev.TurnID)
		pt, hasTurn := h.pendingTurns[ev.TurnID]
		delete(h.pendingTurns, ev.TurnID)
		h.mu.Unlock()
		if hasWAL && p.wal != nil {
			if _, err := p.wal.MarkFailed(walID, ev.Error); err != nil {
				logger.Warnf("wal: failed marking %s failed: %v", walID, err)
			}
		}
		if hasTurn {
			select {
			case pt.done <- turnOutcome{err: fmt.Errorf("%s", ev.Error)}:
			default:
			}
		}
	}

	if p.onEvent != nil {
		p.onEvent(WorkerEvent{SessionID: ev.SessionID, Event: msg.Event, Payload: ev})
	}
}

// onWorkerExit implements spec.md §4.2.6: all pending RPCs and pending
// turns reject, all active WAL ids are marked failed, the handle is
// removed, the queue is notified. A worker that exits while its ready is
// still in progress was never committed; its reservation is released by
// OpenSession's teardownFailedOpen instead.
func (p *Pool) onWorkerExit(h *Handle) {
	h.mu.Lock()
	committed := !h.readyInProgress
	h.mu.Unlock()

	p.mu.Lock()
	_, present := p.handles[h.SessionID]
	if present {
		delete(p.handles, h.SessionID)
	}
	p.mu.Unlock()

	cause := fmt.Errorf("worker exited")
	if h.proc != nil && h.proc.exitErr != nil {
		cause = fmt.Errorf("worker exited: %w", h.proc.exitErr)
	}
	p.rejectAllPending(h, cause)

	if present && committed {
		p.admission.release(true)
	}
	p.persistRegistry()
	logger.Infof("session %s: worker process exited (pid=%d)", h.SessionID, h.ChildPID)
}

// pingLoop sends periodic bridge.ping keepalives and stops any worker whose
// last heartbeat has aged past HeartbeatTTL (spec.md §4.2.2 "bridge
// heartbeats"). It exits once the worker is no longer registered or the
// pool is shutting down.
func (p *Pool) pingLoop(h *Handle) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			_, live := p.handles[h.SessionID]
			p.mu.Unlock()
			if !live {
				return
			}

			if p.cfg.HeartbeatTTL > 0 {
				h.mu.Lock()
				last := h.LastHeartbeatAt
				h.mu.Unlock()
				if !last.IsZero() && time.Since(last) > p.cfg.HeartbeatTTL {
					logger.Warnf("session %s: heartbeat stale past %s, stopping worker", h.SessionID, p.cfg.HeartbeatTTL)
					if _, err := p.StopSession(context.Background(), h.SessionID, "heartbeat_timeout"); err != nil {
						logger.Warnf("session %s: failed to stop after heartbeat timeout: %v", h.SessionID, err)
					}
					return
				}
			}

			if err := h.proc.send(bridgeproto.ParentMessage{Kind: bridgeproto.ParentPing, TS: time.Now().Unix()}); err != nil {
				logger.Warnf("session %s: bridge ping failed: %v", h.SessionID, err)
			}
		case <-p.stopSignal:
			return
		}
	}
}

// idleReaperLoop implements spec.md §4.2.4.
func (p *Pool) idleReaperLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopSignal:
			return
		}
	}
}

func (p *Pool) sweepInterval() time.Duration {
	interval := p.cfg.IdleSweepEvery
	if half := p.cfg.IdleTTL / 2; half > 0 && half < interval {
		interval = half
	}
	return interval
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	now := time.Now()
	var idle []string
	for id, h := range p.handles {
		if h.idleEligible(now, p.cfg.IdleTTL) {
			idle = append(idle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range idle {
		if _, err := p.StopSession(context.Background(), id, "idle_timeout"); err != nil {
			logger.Warnf("idle reaper: failed to stop %s: %v", id, err)
		}
	}
}

// Shutdown stops every live session and the idle reaper.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopSignal) })

	p.mu.Lock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_, _ = p.StopSession(ctx, id, "gateway_shutdown")
	}
	p.wg.Wait()
}

// Snapshot returns a point-in-time count of live workers/reservations/queue
// depth for health endpoints (spec.md §6.1 "status.deep").
func (p *Pool) Snapshot() (workers, reservations, queueDepth int) {
	return p.admission.snapshot()
}

// HandleCount returns the number of live session handles.
func (p *Pool) HandleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func currentPID() int {
	return os.Getpid()
}
