// Package intent implements the intent scheduler (spec.md §4.5): a durable
// reconciler for one-shot and cron schedule intents whose entire state is an
// append-only event log, replayed into an in-memory projection on startup,
// with round-robin fairness catch-up and a per-intent error circuit breaker.
package intent

import "time"

// Status is a schedule intent's projected lifecycle state (spec.md §3).
type Status string

const (
	StatusActive    Status = "active"
	StatusConverged Status = "converged"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// ContinuityMode controls whether a fired intent resumes its parent
// session's conversational context or starts fresh (spec.md §3).
type ContinuityMode string

const (
	ContinuityInherit ContinuityMode = "inherit"
	ContinuityFresh   ContinuityMode = "fresh"
)

// ConvergenceKind discriminates the tagged convergence_condition variant
// (spec.md §3).
type ConvergenceKind string

const (
	ConvergenceNone          ConvergenceKind = "none"
	ConvergenceTruthResolved ConvergenceKind = "truth_resolved"
	ConvergenceTaskDone      ConvergenceKind = "task_done"
	ConvergenceCustom        ConvergenceKind = "custom"
)

// ConvergenceCondition is the optional predicate that converges an intent
// independently of max_runs/run_at exhaustion.
type ConvergenceCondition struct {
	Kind        ConvergenceKind `json:"kind"`
	FactID      string          `json:"fact_id,omitempty"`
	EvaluatorID string          `json:"evaluator_id,omitempty"`
}

// Intent is the state projected from the event log (spec.md §3).
type Intent struct {
	IntentID                string                `json:"intent_id"`
	ParentSessionID         string                `json:"parent_session_id"`
	Reason                  string                `json:"reason"`
	ContinuityMode          ContinuityMode        `json:"continuity_mode"`
	RunAt                   *time.Time            `json:"run_at,omitempty"`
	Cron                    string                `json:"cron,omitempty"`
	TimeZone                string                `json:"time_zone,omitempty"`
	MaxRuns                 int                    `json:"max_runs"`
	RunCount                int                    `json:"run_count"`
	Status                  Status                `json:"status"`
	NextRunAt               *time.Time            `json:"next_run_at,omitempty"`
	LastFiredAt             *time.Time            `json:"last_fired_at,omitempty"`
	LastEvaluationSessionID string                `json:"last_evaluation_session_id,omitempty"`
	ConsecutiveErrors       int                    `json:"consecutive_errors"`
	LastError               string                `json:"last_error,omitempty"`
	Convergence             *ConvergenceCondition `json:"convergence_condition,omitempty"`
}

// clone returns a deep-enough copy so callers cannot mutate the store's
// internal state through a returned pointer.
func (in *Intent) clone() *Intent {
	cp := *in
	if in.RunAt != nil {
		t := *in.RunAt
		cp.RunAt = &t
	}
	if in.NextRunAt != nil {
		t := *in.NextRunAt
		cp.NextRunAt = &t
	}
	if in.LastFiredAt != nil {
		t := *in.LastFiredAt
		cp.LastFiredAt = &t
	}
	if in.Convergence != nil {
		cc := *in.Convergence
		cp.Convergence = &cc
	}
	return &cp
}

func (in *Intent) isOneShot() bool {
	return in.RunAt != nil
}

// due reports whether the intent should fire now (spec.md §4.5.3 step 2).
func (in *Intent) due(now time.Time) bool {
	return in.Status == StatusActive && in.NextRunAt != nil && !in.NextRunAt.After(now)
}

// Kind discriminates schedule_event entries (spec.md §4.5.1).
type Kind string

const (
	KindCreated          Kind = "intent_created"
	KindUpdated          Kind = "intent_updated"
	KindCancelled        Kind = "intent_cancelled"
	KindFired            Kind = "intent_fired"
	KindConverged        Kind = "intent_converged"
	KindRecoveryDeferred Kind = "recovery_deferred"
	KindRecoverySummary  Kind = "recovery_summary"
)

// Event is one append-only log line (spec.md §4.5.1). Fields not meaningful
// to a given Kind are left zero.
type Event struct {
	Kind            Kind                  `json:"kind"`
	IntentID        string                `json:"intent_id,omitempty"`
	ParentSessionID string                `json:"parent_session_id,omitempty"`

	Reason         string                `json:"reason,omitempty"`
	ContinuityMode ContinuityMode        `json:"continuity_mode,omitempty"`
	RunAt          *int64                `json:"run_at,omitempty"`
	Cron           string                `json:"cron,omitempty"`
	TimeZone       string                `json:"time_zone,omitempty"`
	MaxRuns        *int                  `json:"max_runs,omitempty"`
	Convergence    *ConvergenceCondition `json:"convergence_condition,omitempty"`

	RunCount             *int   `json:"run_count,omitempty"`
	NextRunAt            *int64 `json:"next_run_at,omitempty"`
	EvaluationSessionID  string `json:"evaluation_session_id,omitempty"`
	Error                string `json:"error,omitempty"`
	OK                   bool   `json:"ok,omitempty"`

	DeferredTo *int64 `json:"deferred_to,omitempty"`

	Due      int `json:"due,omitempty"`
	Fired    int `json:"fired,omitempty"`
	Deferred int `json:"deferred,omitempty"`

	TS        int64 `json:"ts"`
	AppendSeq int64 `json:"append_seq"`
}

func epochMs(t time.Time) int64 { return t.UnixMilli() }

func fromEpochMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
