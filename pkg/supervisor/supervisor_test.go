package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/gateway/pkg/bridgeproto"
	"github.com/brewva/gateway/pkg/config"
	"github.com/brewva/gateway/pkg/gatewayerr"
	"github.com/brewva/gateway/pkg/logger"
)

// TestMain re-executes this test binary as the worker child when
// GATEWAY_WORKER is set, the same trick spawnWorker relies on in production
// (os.Executable() resolving to the running binary). This lets the pool
// tests exercise the real stdin/stdout bridge framing without pkg/worker.
func TestMain(m *testing.M) {
	if os.Getenv(config.WorkerEnvVar) == "1" {
		runFakeWorker()
		os.Exit(0)
	}
	logger.InitializeDefault()
	os.Exit(m.Run())
}

func runFakeWorker() {
	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for reader.Scan() {
		var msg bridgeproto.ParentMessage
		if err := json.Unmarshal(reader.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Kind {
		case bridgeproto.ParentInit:
			var init bridgeproto.InitPayload
			_ = json.Unmarshal(msg.Payload, &init)
			if init.AgentID == "crash" {
				return
			}
			payload, _ := json.Marshal(bridgeproto.ReadyPayload{
				RequestedSessionID: init.RequestedSessionID,
				AgentSessionID:     "agent-" + init.RequestedSessionID,
			})
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerResult, RequestID: msg.RequestID, OK: true, Payload: payload})
		case bridgeproto.ParentSend:
			if msg.Prompt == "__hang__" {
				continue
			}
			resultPayload, _ := json.Marshal(bridgeproto.SendResultPayload{TurnID: msg.TurnID})
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerResult, RequestID: msg.RequestID, OK: true, Payload: resultPayload})
			evPayload, _ := json.Marshal(bridgeproto.SessionEventPayload{TurnID: msg.TurnID, Text: "echo: " + msg.Prompt})
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerEvent, Event: "session.turn.end", Payload: evPayload})
		case bridgeproto.ParentAbort:
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerResult, RequestID: msg.RequestID, OK: true})
		case bridgeproto.ParentShutdown:
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerResult, RequestID: msg.RequestID, OK: true})
			return
		case bridgeproto.ParentPing:
			_ = out.Encode(bridgeproto.WorkerMessage{Kind: bridgeproto.WorkerHeartbeat})
		}
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 5 * time.Second
	cfg.RPCTimeout = 5 * time.Second
	cfg.StopGrace = 500 * time.Millisecond
	cfg.IdleSweepEvery = 0
	cfg.IdleTTL = 0
	cfg.PingInterval = 0
	cfg.RegistryPath = t.TempDir() + "/children.json"
	return cfg
}

func TestPool_OpenSession_SpawnsWorkerAndCompletesReady(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	res, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "agent-s1", res.AgentSessionID)
	assert.Equal(t, 1, p.HandleCount())

	ok, err := p.StopSession(context.Background(), "s1", "test_done")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, p.HandleCount())
}

func TestPool_OpenSession_ReopeningSameSessionReturnsExistingHandle(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	first, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.WorkerPID, second.WorkerPID)

	_, _ = p.StopSession(context.Background(), "s1", "cleanup")
}

func TestPool_OpenSession_WorkerExitBeforeReadySurfacesError(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	_, err := p.OpenSession(context.Background(), OpenInput{SessionID: "crashy", AgentID: "crash"})
	require.Error(t, err)
	assert.Equal(t, 0, p.HandleCount())

	workers, reservations, _ := p.Snapshot()
	assert.Equal(t, 0, workers)
	assert.Equal(t, 0, reservations)
}

func TestPool_SendPrompt_WaitForCompletionReturnsOutput(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	_, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	res, err := p.SendPrompt(context.Background(), "s1", "hello", SendOptions{WaitForCompletion: true})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "echo: hello", res.Output)

	_, _ = p.StopSession(context.Background(), "s1", "cleanup")
}

func TestPool_SendPrompt_UnknownSessionReturnsBadState(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	_, err := p.SendPrompt(context.Background(), "ghost", "hi", SendOptions{})
	require.Error(t, err)
	gerr := gatewayerr.As(err)
	require.NotNil(t, gerr)
	assert.Equal(t, "session_not_found", gerr.Kind())
}

func TestPool_SendPrompt_DuplicateActiveTurnIDRejected(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	_, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	p.mu.Lock()
	h := p.handles["s1"]
	p.mu.Unlock()
	h.mu.Lock()
	h.pendingTurns["dup"] = &pendingTurn{done: make(chan turnOutcome, 1)}
	h.mu.Unlock()

	_, err = p.SendPrompt(context.Background(), "s1", "hello", SendOptions{TurnID: "dup"})
	require.Error(t, err)

	_, _ = p.StopSession(context.Background(), "s1", "cleanup")
}

func TestPool_AdmissionLimit_RejectsWhenWorkersAndQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MaxWorkers = 1
	cfg.MaxOpenQueue = 0
	p := New(cfg, nil, nil)

	_, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = p.OpenSession(context.Background(), OpenInput{SessionID: "s2"})
	require.Error(t, err)
	gerr := gatewayerr.As(err)
	require.NotNil(t, gerr)
	assert.Equal(t, "worker_limit", gerr.Kind())

	_, _ = p.StopSession(context.Background(), "s1", "cleanup")
}

func TestPool_StopSession_UnknownSessionIsNotAnError(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	ok, err := p.StopSession(context.Background(), "ghost", "n/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPool_AbortSession_SendsAbortRPC(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	_, err := p.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	found, err := p.AbortSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, found)

	_, _ = p.StopSession(context.Background(), "s1", "cleanup")
}

func TestPool_Shutdown_StopsAllSessions(t *testing.T) {
	t.Parallel()
	p := New(testConfig(t), nil, nil)

	for i := 0; i < 3; i++ {
		_, err := p.OpenSession(context.Background(), OpenInput{SessionID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.HandleCount())

	p.Shutdown(context.Background())
	assert.Equal(t, 0, p.HandleCount())
}

func TestPool_StartupRecover_CleansRegistryWhenNoneLive(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	require.NoError(t, writeRegistry(cfg.RegistryPath, []RegistryEntry{{SessionID: "gone", PID: 1 << 30}}))
	p := New(cfg, nil, nil)
	require.NoError(t, p.StartupRecover())

	entries, err := readRegistry(cfg.RegistryPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
