package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/brewva/gateway/pkg/logger"
	"github.com/brewva/gateway/pkg/supervisor"
	"github.com/brewva/gateway/pkg/wal"
)

// SessionOps is the subset of *supervisor.Pool the scheduler drives
// sessions through; a narrow interface keeps heartbeat tests from needing a
// real worker subprocess.
type SessionOps interface {
	OpenSession(ctx context.Context, in supervisor.OpenInput) (supervisor.OpenResult, error)
	SendPrompt(ctx context.Context, sessionID, prompt string, opts supervisor.SendOptions) (supervisor.SendResult, error)
	StopSession(ctx context.Context, sessionID, reason string) (bool, error)
}

// FiredEvent is broadcast on every rule firing (spec.md §4.4.2: non-session-
// scoped `heartbeat.fired`).
type FiredEvent struct {
	RuleID    string
	SessionID string
	TS        int64
	HasResult bool
}

// Scheduler is the heartbeat scheduler (spec.md §4.4).
type Scheduler struct {
	pool         SessionOps
	policyPath   string
	tickInterval time.Duration
	onFired      func(FiredEvent)

	mu            sync.Mutex
	rules         map[string]Rule
	ruleSessionID map[string]string
	lastFireAt    map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler. tickInterval must be ≥1s (spec.md §4.4.2).
func New(pool SessionOps, policyPath string, tickInterval time.Duration, onFired func(FiredEvent)) *Scheduler {
	if tickInterval < time.Second {
		tickInterval = time.Second
	}
	return &Scheduler{
		pool:          pool,
		policyPath:    policyPath,
		tickInterval:  tickInterval,
		onFired:       onFired,
		rules:         make(map[string]Rule),
		ruleSessionID: make(map[string]string),
		lastFireAt:    make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Reload implements spec.md §4.4.1's four-step reload algorithm.
func (s *Scheduler) Reload(ctx context.Context) error {
	policy, err := LoadPolicy(s.policyPath)
	if err != nil {
		return err
	}

	newRules := make(map[string]Rule, len(policy.Rules))
	newSessionIDs := make(map[string]string, len(policy.Rules))
	for _, r := range policy.Rules {
		newRules[r.RuleID] = r
		newSessionIDs[r.RuleID] = r.EffectiveSessionID()
	}

	s.mu.Lock()
	prevSessionIDs := s.ruleSessionID
	s.mu.Unlock()

	cleanupCandidates := make(map[string]bool)
	for ruleID, prevSessionID := range prevSessionIDs {
		_, stillExists := newRules[ruleID]
		if !stillExists {
			if prevSessionID == DefaultSessionID(ruleID) {
				cleanupCandidates[prevSessionID] = true
			}
			continue
		}
		newSessionID := newSessionIDs[ruleID]
		if newSessionID != prevSessionID && prevSessionID == DefaultSessionID(ruleID) {
			cleanupCandidates[prevSessionID] = true
		}
	}

	for sessionID := range cleanupCandidates {
		stillMapped := false
		for _, sid := range newSessionIDs {
			if sid == sessionID {
				stillMapped = true
				break
			}
		}
		if stillMapped {
			continue
		}
		if _, err := s.pool.StopSession(ctx, sessionID, "heartbeat_rule_removed"); err != nil {
			logger.Warnf("heartbeat: failed to stop cleanup-candidate session %s: %v", sessionID, err)
		}
	}

	s.mu.Lock()
	s.rules = newRules
	s.ruleSessionID = newSessionIDs
	retainedFireTimes := make(map[string]time.Time, len(newRules))
	for ruleID, t := range s.lastFireAt {
		if _, ok := newRules[ruleID]; ok {
			retainedFireTimes[ruleID] = t
		}
	}
	s.lastFireAt = retainedFireTimes
	s.mu.Unlock()

	return nil
}

// Start begins the tick loop. Reload must be called at least once first.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tickLoop()
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.fireDue(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []Rule
	for id, r := range s.rules {
		if !r.Enabled() || r.IntervalMs <= 0 {
			continue
		}
		interval := time.Duration(r.IntervalMs) * time.Millisecond
		last, fired := s.lastFireAt[id]
		if !fired || now.Sub(last) >= interval {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		s.fireRule(r, now)
	}
}

func (s *Scheduler) fireRule(r Rule, now time.Time) {
	s.mu.Lock()
	s.lastFireAt[r.RuleID] = now
	sessionID := s.ruleSessionID[r.RuleID]
	s.mu.Unlock()

	ctx := context.Background()
	if _, err := s.pool.OpenSession(ctx, supervisor.OpenInput{SessionID: sessionID}); err != nil {
		logger.Warnf("heartbeat: rule %s: open_session failed: %v", r.RuleID, err)
		s.emit(r.RuleID, sessionID, now, false)
		return
	}

	result, err := s.pool.SendPrompt(ctx, sessionID, r.Prompt, supervisor.SendOptions{
		Source:            string(wal.SourceHeartbeat),
		WaitForCompletion: true,
	})
	if err != nil {
		logger.Warnf("heartbeat: rule %s: send_prompt failed: %v", r.RuleID, err)
	}
	s.emit(r.RuleID, sessionID, now, err == nil && result.Accepted)
}

func (s *Scheduler) emit(ruleID, sessionID string, now time.Time, hasResult bool) {
	if s.onFired == nil {
		return
	}
	s.onFired(FiredEvent{RuleID: ruleID, SessionID: sessionID, TS: now.Unix(), HasResult: hasResult})
}

// RuleCount returns the number of currently loaded rules, for diagnostics.
func (s *Scheduler) RuleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}
