// Package worker is the child-side half of the bridge protocol defined in
// pkg/bridgeproto (spec.md §4.2.2). It runs inside the re-exec'd child
// process (config.WorkerEnvVar set), reading framed requests from stdin and
// writing framed responses/events to stdout — mirroring the shape of the
// teacher's own stdio-transport client/server pair but with the roles
// reversed (here the daemon binary is itself both ends).
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewva/gateway/pkg/bridgeproto"
	"github.com/brewva/gateway/pkg/frame"
	"github.com/brewva/gateway/pkg/logger"
)

// Agent evaluates one prompt and returns its output text. The underlying
// LLM call is out of scope (spec.md §1 "implementing the underlying LLM
// call" is a non-goal): cmd/gatewayd wires StubAgent, and New falls back to
// StubAgent when given a nil Agent.
type Agent func(agentSessionID, prompt, turnID string) (string, error)

// StubAgent echoes the prompt back, deterministically, with no external
// calls. It exists so the daemon is exercisable end-to-end without a real
// model behind it.
func StubAgent(_, prompt, _ string) (string, error) {
	return "echo: " + prompt, nil
}

// Bridge is the child-side protocol loop (spec.md §4.2.2).
type Bridge struct {
	in    *bufio.Scanner
	out   io.Writer
	outMu sync.Mutex
	agent Agent

	agentSessionID string
	shuttingDown   bool
}

// New constructs a Bridge reading ParentMessage lines from in and writing
// WorkerMessage lines to out. A nil agent defaults to StubAgent.
func New(in io.Reader, out io.Writer, agent Agent) *Bridge {
	if agent == nil {
		agent = StubAgent
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Bridge{in: scanner, out: out, agent: agent}
}

// Run reads and dispatches messages until stdin closes or shutdown is
// requested. It never returns an error for a normal shutdown.
func (b *Bridge) Run() error {
	for b.in.Scan() {
		var msg bridgeproto.ParentMessage
		if err := json.Unmarshal(b.in.Bytes(), &msg); err != nil {
			logger.Warnf("worker: malformed parent frame: %v", err)
			continue
		}
		if b.dispatch(msg) {
			return nil
		}
	}
	return b.in.Err()
}

// dispatch handles one ParentMessage, returning true if the bridge should
// stop reading (a shutdown was processed).
func (b *Bridge) dispatch(msg bridgeproto.ParentMessage) bool {
	switch msg.Kind {
	case bridgeproto.ParentInit:
		b.handleInit(msg)
	case bridgeproto.ParentSend:
		b.handleSend(msg)
	case bridgeproto.ParentAbort:
		b.handleAbort(msg)
	case bridgeproto.ParentShutdown:
		b.handleShutdown(msg)
		return true
	case bridgeproto.ParentPing:
		b.sendHeartbeat()
	default:
		logger.Warnf("worker: unknown parent message kind %q", msg.Kind)
	}
	return false
}

func (b *Bridge) handleInit(msg bridgeproto.ParentMessage) {
	var in bridgeproto.InitPayload
	_ = json.Unmarshal(msg.Payload, &in)
	b.agentSessionID = "agent:" + uuid.NewString()
	b.writeResult(msg.RequestID, true, mustJSON(bridgeproto.ReadyPayload{
		RequestedSessionID: in.RequestedSessionID,
		AgentSessionID:     b.agentSessionID,
	}), "", "")
}

func (b *Bridge) handleSend(msg bridgeproto.ParentMessage) {
	turnID := msg.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	b.emitEvent(frame.EventSessionTurnStart, bridgeproto.SessionEventPayload{TurnID: turnID})

	output, err := b.agent(b.agentSessionID, msg.Prompt, turnID)
	if err != nil {
		b.emitEvent(frame.EventSessionTurnError, bridgeproto.SessionEventPayload{TurnID: turnID, Error: err.Error()})
		b.writeResult(msg.RequestID, false, nil, "", err.Error())
		return
	}

	b.emitEvent(frame.EventSessionTurnChunk, bridgeproto.SessionEventPayload{TurnID: turnID, Text: output})
	b.writeResult(msg.RequestID, true, mustJSON(bridgeproto.SendResultPayload{TurnID: turnID, Output: output}), "", "")
	b.emitEvent(frame.EventSessionTurnEnd, bridgeproto.SessionEventPayload{TurnID: turnID, Text: output})
}

func (b *Bridge) handleAbort(msg bridgeproto.ParentMessage) {
	b.writeResult(msg.RequestID, true, nil, "", "")
}

func (b *Bridge) handleShutdown(msg bridgeproto.ParentMessage) {
	b.shuttingDown = true
	b.writeResult(msg.RequestID, true, nil, "", "")
}

func (b *Bridge) sendHeartbeat() {
	b.write(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerHeartbeat, TS: time.Now().Unix()})
}

func (b *Bridge) emitEvent(event string, payload bridgeproto.SessionEventPayload) {
	b.write(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerEvent, Event: event, Payload: mustJSON(payload)})
}

func (b *Bridge) writeResult(requestID string, ok bool, payload json.RawMessage, errCode, errMsg string) {
	b.write(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerResult, RequestID: requestID, OK: ok, Payload: payload, ErrorCode: errCode, Error: errMsg})
}

func (b *Bridge) write(msg bridgeproto.WorkerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Warnf("worker: failed to marshal outgoing frame: %v", err)
		return
	}
	data = append(data, '\n')
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(data); err != nil {
		logger.Warnf("worker: failed writing to stdout: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("worker: marshal: %v", err))
	}
	return data
}
