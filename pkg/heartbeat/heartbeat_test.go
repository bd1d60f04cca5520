package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/gateway/pkg/supervisor"
)

type fakePool struct {
	mu      sync.Mutex
	opened  []string
	sent    []string
	stopped []string
	sendErr error
}

func (f *fakePool) OpenSession(_ context.Context, in supervisor.OpenInput) (supervisor.OpenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, in.SessionID)
	return supervisor.OpenResult{SessionID: in.SessionID, Created: true}, nil
}

func (f *fakePool) SendPrompt(_ context.Context, sessionID, prompt string, _ supervisor.SendOptions) (supervisor.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sessionID+":"+prompt)
	if f.sendErr != nil {
		return supervisor.SendResult{}, f.sendErr
	}
	return supervisor.SendResult{SessionID: sessionID, Accepted: true}, nil
}

func (f *fakePool) StopSession(_ context.Context, sessionID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return true, nil
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPolicy_ParsesRules(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "are you there"
    interval_ms: 5000
  - rule_id: disabled-rule
    prompt: "noop"
    interval_ms: 1000
    enabled: false
`)
	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Len(t, policy.Rules, 2)
	assert.True(t, policy.Rules[0].Enabled())
	assert.False(t, policy.Rules[1].Enabled())
}

func TestLoadPolicy_RejectsDuplicateRuleID(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: dup
    prompt: "a"
    interval_ms: 1000
  - rule_id: dup
    prompt: "b"
    interval_ms: 1000
`)
	_, err := LoadPolicy(path)
	require.Error(t, err)
}

func TestRule_EffectiveSessionID_DefaultsToHeartbeatPrefix(t *testing.T) {
	t.Parallel()
	r := Rule{RuleID: "ping"}
	assert.Equal(t, "heartbeat:ping", r.EffectiveSessionID())

	r.SessionID = "custom"
	assert.Equal(t, "custom", r.EffectiveSessionID())
}

func TestScheduler_Reload_TracksRuleSessionMap(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "ping"
    interval_ms: 1000
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 1, s.RuleCount())
}

func TestScheduler_Reload_ClosesDefaultSessionForRemovedRule(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "ping"
    interval_ms: 1000
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))
	require.NoError(t, s.Reload(context.Background()))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Contains(t, pool.stopped, "heartbeat:ping")
}

func TestScheduler_Reload_DoesNotCloseExplicitSessionIDForRemovedRule(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "ping"
    interval_ms: 1000
    session_id: shared-session
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))
	require.NoError(t, s.Reload(context.Background()))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.NotContains(t, pool.stopped, "shared-session")
}

func TestScheduler_Reload_KeepsCleanupCandidateAliveIfStillMappedByAnotherRule(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: a
    prompt: "a"
    interval_ms: 1000
  - rule_id: b
    prompt: "b"
    interval_ms: 1000
    session_id: heartbeat:a
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - rule_id: b
    prompt: "b"
    interval_ms: 1000
    session_id: heartbeat:a
`), 0o644))
	require.NoError(t, s.Reload(context.Background()))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.NotContains(t, pool.stopped, "heartbeat:a")
}

func TestScheduler_FireDue_OpensSessionAndSendsPromptWhenIntervalElapsed(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "hello"
    interval_ms: 10
`)
	pool := &fakePool{}
	var fired []FiredEvent
	var mu sync.Mutex
	s := New(pool, path, time.Second, func(ev FiredEvent) {
		mu.Lock()
		fired = append(fired, ev)
		mu.Unlock()
	})
	require.NoError(t, s.Reload(context.Background()))

	s.fireDue(time.Now())

	pool.mu.Lock()
	assert.Contains(t, pool.opened, "heartbeat:ping")
	assert.Contains(t, pool.sent, "heartbeat:ping:hello")
	pool.mu.Unlock()

	mu.Lock()
	require.Len(t, fired, 1)
	assert.Equal(t, "ping", fired[0].RuleID)
	assert.True(t, fired[0].HasResult)
	mu.Unlock()
}

func TestScheduler_FireDue_SkipsDisabledRules(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: off
    prompt: "nope"
    interval_ms: 10
    enabled: false
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))

	s.fireDue(time.Now())

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Empty(t, pool.opened)
}

func TestScheduler_FireDue_DoesNotRefireBeforeIntervalElapses(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, `
rules:
  - rule_id: ping
    prompt: "hello"
    interval_ms: 10000
`)
	pool := &fakePool{}
	s := New(pool, path, time.Second, nil)
	require.NoError(t, s.Reload(context.Background()))

	now := time.Now()
	s.fireDue(now)
	s.fireDue(now.Add(time.Millisecond))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.opened, 1)
}

func TestScheduler_StartStop_IsIdempotentAndReturns(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, "rules: []\n")
	pool := &fakePool{}
	s := New(pool, path, 50*time.Millisecond, nil)
	require.NoError(t, s.Reload(context.Background()))
	s.Start()
	time.Sleep(120 * time.Millisecond)
	s.Stop()
	s.Stop()
}
