package intent

import (
	"time"

	"github.com/brewva/gateway/pkg/gatewayerr"
)

// CreateParams is the input to CreateIntent (spec.md §3, §4.5.5).
type CreateParams struct {
	IntentID        string
	ParentSessionID string
	Reason          string
	ContinuityMode  ContinuityMode
	RunAt           *time.Time
	Cron            string
	TimeZone        string
	MaxRuns         int
	Convergence     *ConvergenceCondition
}

func validateSchedule(runAt *time.Time, cronExpr, timeZone string) error {
	if (runAt == nil) == (cronExpr == "") {
		return gatewayerr.InvalidRequest("exactly one of run_at or cron must be set")
	}
	if cronExpr != "" {
		if _, err := parseCron(cronExpr); err != nil {
			return gatewayerr.BadState("invalid_cron", "invalid cron expression: %v", err)
		}
	} else if timeZone != "" {
		return gatewayerr.BadState("time_zone_requires_cron", "time_zone requires cron")
	}
	if timeZone != "" {
		if _, err := time.LoadLocation(timeZone); err != nil {
			return gatewayerr.BadState("invalid_time_zone", "invalid time zone: %v", err)
		}
	}
	return nil
}

// CreateIntent implements spec.md §4.5.5's validation plus the
// intent_created projection (spec.md §4.5.2).
func (s *Store) CreateIntent(p CreateParams, now time.Time) (*Intent, error) {
	if err := validateSchedule(p.RunAt, p.Cron, p.TimeZone); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.intents[p.IntentID]; exists {
		s.mu.Unlock()
		return nil, gatewayerr.BadState("intent_id_already_exists", "intent %s already exists", p.IntentID)
	}
	if err := s.checkLimitsLocked(p.ParentSessionID, 1); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	scratch := &Intent{RunAt: p.RunAt, Cron: p.Cron, TimeZone: p.TimeZone, MaxRuns: p.MaxRuns}
	nextRun, err := computeNextRunAt(scratch, now, s.minInterval())
	if err != nil {
		return nil, gatewayerr.BadState("invalid_cron", "%v", err)
	}

	ev := Event{
		Kind:            KindCreated,
		IntentID:        p.IntentID,
		ParentSessionID: p.ParentSessionID,
		Reason:          p.Reason,
		ContinuityMode:  p.ContinuityMode,
		Cron:            p.Cron,
		TimeZone:        p.TimeZone,
		MaxRuns:         intPtr(p.MaxRuns),
		Convergence:     p.Convergence,
	}
	if p.RunAt != nil {
		ms := epochMs(*p.RunAt)
		ev.RunAt = &ms
	}
	nextMs := epochMs(nextRun)
	ev.NextRunAt = &nextMs

	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return s.Get(p.IntentID), nil
}

// UpdatePatch merges into an existing intent (spec.md §4.5.2 intent_updated:
// "merge allowed fields").
type UpdatePatch struct {
	MaxRuns  *int
	Cron     *string
	TimeZone *string
	Reason   *string
}

// UpdateIntent implements spec.md §4.5.2's intent_updated row, including
// reviving a converged intent when max_runs is raised past run_count.
func (s *Store) UpdateIntent(intentID string, patch UpdatePatch, now time.Time) (*Intent, error) {
	s.mu.Lock()
	existing, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return nil, gatewayerr.BadState("intent_not_found", "intent %s not found", intentID)
	}
	merged := existing.clone()
	if patch.MaxRuns != nil {
		merged.MaxRuns = *patch.MaxRuns
	}
	if patch.Cron != nil {
		merged.Cron = *patch.Cron
	}
	if patch.TimeZone != nil {
		merged.TimeZone = *patch.TimeZone
	}
	if patch.Reason != nil {
		merged.Reason = *patch.Reason
	}
	reactivating := existing.Status == StatusConverged && patch.MaxRuns != nil && *patch.MaxRuns > existing.RunCount
	sessionID := existing.ParentSessionID
	willBeActive := existing.Status == StatusActive || reactivating
	s.mu.Unlock()

	if err := validateSchedule(merged.RunAt, merged.Cron, merged.TimeZone); err != nil && merged.Cron != "" {
		// run_at intents never carry a cron/time_zone patch; only validate
		// the cron/time_zone pairing when a cron expression is present.
		return nil, err
	}

	if reactivating {
		s.mu.Lock()
		err := s.checkLimitsLocked(sessionID, 1)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	ev := Event{Kind: KindUpdated, IntentID: intentID, ParentSessionID: sessionID}
	if patch.MaxRuns != nil {
		ev.MaxRuns = patch.MaxRuns
	}
	if patch.Cron != nil {
		ev.Cron = *patch.Cron
	}
	if patch.TimeZone != nil {
		ev.TimeZone = *patch.TimeZone
	}
	if patch.Reason != nil {
		ev.Reason = *patch.Reason
	}
	if willBeActive {
		nextRun, err := computeNextRunAt(merged, now, s.minInterval())
		if err != nil {
			return nil, gatewayerr.BadState("invalid_cron", "%v", err)
		}
		nextMs := epochMs(nextRun)
		ev.NextRunAt = &nextMs
	}

	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return s.Get(intentID), nil
}

// CancelIntent implements spec.md §4.5.2's intent_cancelled row for an
// explicit (non-circuit-open) cancellation.
func (s *Store) CancelIntent(intentID, reason string, now time.Time) (*Intent, error) {
	s.mu.Lock()
	_, ok := s.intents[intentID]
	s.mu.Unlock()
	if !ok {
		return nil, gatewayerr.BadState("intent_not_found", "intent %s not found", intentID)
	}
	ev := Event{Kind: KindCancelled, IntentID: intentID, Reason: reason}
	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return s.Get(intentID), nil
}

// MarkFired records a successful firing (spec.md §4.5.2 intent_fired ok).
func (s *Store) MarkFired(intentID, evaluationSessionID string, now time.Time) (*Intent, error) {
	s.mu.Lock()
	in, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return nil, gatewayerr.BadState("intent_not_found", "intent %s not found", intentID)
	}
	cloned := in.clone()
	minInterval := s.minInterval()
	s.mu.Unlock()

	ev := Event{
		Kind:                KindFired,
		IntentID:            intentID,
		ParentSessionID:     cloned.ParentSessionID,
		OK:                  true,
		EvaluationSessionID: evaluationSessionID,
	}
	if !cloned.isOneShot() {
		projected := cloned.clone()
		projected.RunCount++
		if nextRun, err := computeNextRunAt(projected, now, minInterval); err == nil {
			nextMs := epochMs(nextRun)
			ev.NextRunAt = &nextMs
		}
	}

	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return s.Get(intentID), nil
}

// MarkFiredError records a failed firing (spec.md §4.5.2 intent_fired
// error), opening the circuit breaker with a cancellation event once
// consecutive_errors reaches max_consecutive_errors. Returns whether the
// circuit opened on this call.
func (s *Store) MarkFiredError(intentID, errMsg string, now time.Time) (*Intent, bool, error) {
	s.mu.Lock()
	in, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return nil, false, gatewayerr.BadState("intent_not_found", "intent %s not found", intentID)
	}
	parentSessionID := in.ParentSessionID
	s.mu.Unlock()

	ev := Event{Kind: KindFired, IntentID: intentID, ParentSessionID: parentSessionID, OK: false, Error: errMsg}
	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, false, gatewayerr.Internal(err)
	}

	s.mu.Lock()
	consecutiveErrors := s.intents[intentID].ConsecutiveErrors
	s.mu.Unlock()

	circuitOpen := s.limits.MaxConsecutiveErrors > 0 && consecutiveErrors >= s.limits.MaxConsecutiveErrors
	if circuitOpen {
		cancelEv := Event{Kind: KindCancelled, IntentID: intentID, ParentSessionID: parentSessionID, Reason: "circuit_open:" + errMsg}
		if err := s.appendAndProject(&cancelEv, now); err != nil {
			return nil, true, gatewayerr.Internal(err)
		}
	}
	return s.Get(intentID), circuitOpen, nil
}

// ConvergeIntent implements spec.md §4.5.2's intent_converged row, used by
// the scheduler when an external convergence predicate is satisfied.
func (s *Store) ConvergeIntent(intentID string, now time.Time) (*Intent, error) {
	s.mu.Lock()
	in, ok := s.intents[intentID]
	var parentSessionID string
	if ok {
		parentSessionID = in.ParentSessionID
	}
	s.mu.Unlock()
	if !ok {
		return nil, gatewayerr.BadState("intent_not_found", "intent %s not found", intentID)
	}
	ev := Event{Kind: KindConverged, IntentID: intentID, ParentSessionID: parentSessionID}
	if err := s.appendAndProject(&ev, now); err != nil {
		return nil, gatewayerr.Internal(err)
	}
	return s.Get(intentID), nil
}

// DeferIntent implements spec.md §4.5.3 step 4's recovery_deferred row.
func (s *Store) DeferIntent(intentID string, deferredTo, now time.Time) error {
	s.mu.Lock()
	in, ok := s.intents[intentID]
	var parentSessionID string
	if ok {
		parentSessionID = in.ParentSessionID
	}
	s.mu.Unlock()
	ev := Event{Kind: KindRecoveryDeferred, IntentID: intentID, ParentSessionID: parentSessionID}
	ms := epochMs(deferredTo)
	ev.DeferredTo = &ms
	return s.appendAndProject(&ev, now)
}

// RecordRecoverySummary implements spec.md §4.5.3 step 5.
func (s *Store) RecordRecoverySummary(parentSessionID string, due, fired, deferred int, now time.Time) error {
	ev := Event{Kind: KindRecoverySummary, ParentSessionID: parentSessionID, Due: due, Fired: fired, Deferred: deferred}
	return s.appendAndProject(&ev, now)
}
