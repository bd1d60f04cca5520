package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brewva/gateway/pkg/logger"
)

// ExecuteFunc fires one intent. It returns the session that evaluated the
// intent (used to bind convergence predicates) or an error. When the
// scheduler is built with no ExecuteFunc, execution is disabled (spec.md
// §4.5.4): recovery still replays and catches up by emitting events, but
// performs no side effects.
type ExecuteFunc func(ctx context.Context, in *Intent) (evaluationSessionID string, err error)

// ConvergenceChecker evaluates the optional convergence predicates named in
// an intent's convergence_condition (spec.md §3, §4.5.4). It is an external
// collaborator the scheduler only calls through this narrow interface.
type ConvergenceChecker interface {
	TruthResolved(ctx context.Context, evaluationSessionID, factID string) (bool, error)
	TaskDone(ctx context.Context, evaluationSessionID string) (bool, error)
	Custom(ctx context.Context, evaluationSessionID, evaluatorID string) (bool, error)
}

// RecoverySummary mirrors one recovery_summary event (spec.md §4.5.3 step 5).
type RecoverySummary struct {
	ParentSessionID string
	Due             int
	Fired           int
	Deferred        int
}

// Scheduler drives the Store forward: a tick loop fires due intents live,
// and Recover implements the round-robin fairness catch-up spec.md §4.5.3
// requires after a restart.
type Scheduler struct {
	store      *Store
	execute    ExecuteFunc
	converge   ConvergenceChecker
	tickEvery  time.Duration
	maxCatchUp int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Config bundles the scheduler's tunables.
type Config struct {
	TickInterval        time.Duration
	MaxRecoveryCatchUps int
}

// New wires a Scheduler around an already-open Store. execute and converge
// may both be nil: execution_enabled becomes false and convergence
// predicates are never evaluated.
func New(store *Store, cfg Config, execute ExecuteFunc, converge ConvergenceChecker) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		store:      store,
		execute:    execute,
		converge:   converge,
		tickEvery:  cfg.TickInterval,
		maxCatchUp: cfg.MaxRecoveryCatchUps,
		stop:       make(chan struct{}),
	}
}

// fire executes one intent (if execution is enabled), projects the result,
// and evaluates any convergence predicate. Returns whether the circuit
// breaker opened on this firing.
func (s *Scheduler) fire(ctx context.Context, in *Intent, now time.Time) (circuitOpen bool) {
	if s.execute == nil {
		_, err := s.store.MarkFired(in.IntentID, "", now)
		if err != nil {
			logger.Warnf("intent %s: project fire without execution: %v", in.IntentID, err)
		}
		return false
	}

	evalSessionID, err := s.execute(ctx, in)
	if err != nil {
		_, open, markErr := s.store.MarkFiredError(in.IntentID, err.Error(), now)
		if markErr != nil {
			logger.Warnf("intent %s: project fire error: %v", in.IntentID, markErr)
		}
		if open {
			logger.Warnf("intent %s: circuit open after consecutive errors: %v", in.IntentID, err)
		}
		return open
	}

	updated, markErr := s.store.MarkFired(in.IntentID, evalSessionID, now)
	if markErr != nil {
		logger.Warnf("intent %s: project fire ok: %v", in.IntentID, markErr)
		return false
	}
	s.checkConvergence(ctx, updated, evalSessionID, now)
	return false
}

func (s *Scheduler) checkConvergence(ctx context.Context, in *Intent, evalSessionID string, now time.Time) {
	if s.converge == nil || in.Convergence == nil || in.Status != StatusActive {
		return
	}
	var (
		done bool
		err  error
	)
	switch in.Convergence.Kind {
	case ConvergenceTruthResolved:
		done, err = s.converge.TruthResolved(ctx, evalSessionID, in.Convergence.FactID)
	case ConvergenceTaskDone:
		done, err = s.converge.TaskDone(ctx, evalSessionID)
	case ConvergenceCustom:
		done, err = s.converge.Custom(ctx, evalSessionID, in.Convergence.EvaluatorID)
	default:
		return
	}
	if err != nil {
		logger.Warnf("intent %s: convergence check failed: %v", in.IntentID, err)
		return
	}
	if done {
		if _, cErr := s.store.ConvergeIntent(in.IntentID, now); cErr != nil {
			logger.Warnf("intent %s: convergence projection failed: %v", in.IntentID, cErr)
		}
	}
}

// fireLive fires every currently due intent with no catch-up cap, used by
// the live tick loop (as opposed to Recover's bounded, fairness-ordered
// catch-up).
func (s *Scheduler) fireLive(ctx context.Context, now time.Time) {
	for _, in := range s.store.ListDue(now) {
		s.fire(ctx, in, now)
	}
}

// Recover implements spec.md §4.5.3: group due intents by parent session,
// round-robin one firing per session per round until max_recovery_catch_ups
// firings are performed, then defer the rest and emit per-session summaries.
func (s *Scheduler) Recover(ctx context.Context, now time.Time) []RecoverySummary {
	due := s.store.ListDue(now)
	if len(due) == 0 {
		return nil
	}

	bySession := make(map[string][]*Intent)
	var sessionOrder []string
	for _, in := range due {
		if _, ok := bySession[in.ParentSessionID]; !ok {
			sessionOrder = append(sessionOrder, in.ParentSessionID)
		}
		bySession[in.ParentSessionID] = append(bySession[in.ParentSessionID], in)
	}
	sort.Strings(sessionOrder)
	for _, sid := range sessionOrder {
		list := bySession[sid]
		sort.Slice(list, func(i, j int) bool { return list[i].IntentID < list[j].IntentID })
		bySession[sid] = list
	}

	fired := make(map[string]int)
	deferredSet := make(map[string]bool)
	cursor := make(map[string]int)

	remaining := len(due)
	firingsDone := 0
	noCapacity := s.maxCatchUp <= 0
	for remaining > 0 {
		progressed := false
		for _, sid := range sessionOrder {
			list := bySession[sid]
			idx := cursor[sid]
			if idx >= len(list) {
				continue
			}
			if !noCapacity && firingsDone >= s.maxCatchUp {
				deferredSet[list[idx].IntentID] = true
				cursor[sid] = idx + 1
				remaining--
				progressed = true
				continue
			}
			in := list[idx]
			s.fire(ctx, in, now)
			fired[sid]++
			firingsDone++
			cursor[sid] = idx + 1
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}

	deferredTo := now.Add(s.store.minInterval())
	for _, sid := range sessionOrder {
		list := bySession[sid]
		for _, in := range list {
			if deferredSet[in.IntentID] {
				if err := s.store.DeferIntent(in.IntentID, deferredTo, now); err != nil {
					logger.Warnf("intent %s: recovery defer failed: %v", in.IntentID, err)
				}
			}
		}
	}

	summaries := make([]RecoverySummary, 0, len(sessionOrder))
	for _, sid := range sessionOrder {
		list := bySession[sid]
		deferredCount := 0
		for _, in := range list {
			if deferredSet[in.IntentID] {
				deferredCount++
			}
		}
		summary := RecoverySummary{ParentSessionID: sid, Due: len(list), Fired: fired[sid], Deferred: deferredCount}
		if err := s.store.RecordRecoverySummary(sid, summary.Due, summary.Fired, summary.Deferred, now); err != nil {
			logger.Warnf("intent recovery: summary for session %s failed: %v", sid, err)
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// Start begins the live tick loop. Each call starts another tick loop
// goroutine; a second call is not guarded against.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireLive(ctx, now)
		}
	}
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
