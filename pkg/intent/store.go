package intent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/brewva/gateway/pkg/gatewayerr"
	"github.com/brewva/gateway/pkg/logger"
)

// Limits are the create/update-time caps from spec.md §4.5.5. Zero disables
// the corresponding cap.
type Limits struct {
	MaxActiveIntentsPerSession int
	MaxActiveIntentsGlobal     int
	MaxConsecutiveErrors       int
	MinIntervalMs              int64
}

// Store is the event-sourced intent projection (spec.md §4.5): the event
// log is the only source of truth, replayed into an in-memory map on
// startup. It mirrors pkg/wal's append-log-plus-flock idiom.
type Store struct {
	path   string
	lock   *flock.Flock
	limits Limits

	mu      sync.Mutex
	intents map[string]*Intent
	seq     int64
}

// Open opens (creating if absent) the schedule event log at dir/intents.jsonl.
func Open(dir string, limits Limits) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "intents.jsonl")
	s := &Store{
		path:    path,
		lock:    flock.New(path + ".lock"),
		limits:  limits,
		intents: make(map[string]*Intent),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromDisk() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Same policy as pkg/wal (spec.md §9 open question 2): a corrupt
			// interior line is fatal, a corrupt trailing line (partial
			// write) is discarded with a warning.
			if scanner.Scan() {
				return fmt.Errorf("intent log: corrupt record at line %d: %w", lineNo, err)
			}
			logger.Warnf("intent log: discarding truncated trailing line %d", lineNo)
			break
		}
		s.project(&ev)
		if ev.AppendSeq >= s.seq {
			s.seq = ev.AppendSeq + 1
		}
	}
	return scanner.Err()
}

func (s *Store) writeLine(ev *Event) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	if err == nil {
		_ = f.Sync()
	}
	return err
}

// appendAndProject stamps ts/append_seq, persists the event, and applies it
// to the in-memory projection (spec.md §4.5.2: "replay iterates events in
// append order... ties resolve by append sequence").
func (s *Store) appendAndProject(ev *Event, now time.Time) error {
	s.mu.Lock()
	ev.TS = epochMs(now)
	ev.AppendSeq = s.seq
	s.seq++
	s.mu.Unlock()

	if err := s.writeLine(ev); err != nil {
		return err
	}

	s.mu.Lock()
	s.project(ev)
	s.mu.Unlock()
	return nil
}

// project applies one event to the in-memory map per spec.md §4.5.2's
// table. Must be called with s.mu held.
func (s *Store) project(ev *Event) {
	switch ev.Kind {
	case KindCreated:
		in := &Intent{
			IntentID:        ev.IntentID,
			ParentSessionID: ev.ParentSessionID,
			Reason:          ev.Reason,
			ContinuityMode:  ev.ContinuityMode,
			Cron:            ev.Cron,
			TimeZone:        ev.TimeZone,
			Status:          StatusActive,
			Convergence:     ev.Convergence,
		}
		if ev.MaxRuns != nil {
			in.MaxRuns = *ev.MaxRuns
		}
		if ev.RunAt != nil {
			t := fromEpochMs(*ev.RunAt)
			in.RunAt = &t
		}
		if ev.NextRunAt != nil {
			t := fromEpochMs(*ev.NextRunAt)
			in.NextRunAt = &t
		}
		s.intents[ev.IntentID] = in

	case KindUpdated:
		in, ok := s.intents[ev.IntentID]
		if !ok {
			return
		}
		if ev.MaxRuns != nil {
			if in.Status == StatusConverged && *ev.MaxRuns > in.RunCount {
				in.Status = StatusActive
			}
			in.MaxRuns = *ev.MaxRuns
		}
		if ev.Cron != "" {
			in.Cron = ev.Cron
		}
		if ev.TimeZone != "" {
			in.TimeZone = ev.TimeZone
		}
		if ev.Reason != "" {
			in.Reason = ev.Reason
		}
		if ev.NextRunAt != nil {
			t := fromEpochMs(*ev.NextRunAt)
			in.NextRunAt = &t
		}

	case KindCancelled:
		in, ok := s.intents[ev.IntentID]
		if !ok {
			return
		}
		// A circuit-open cancellation lands the intent in the distinct
		// `error` status spec.md §3 names, not plain `cancelled`.
		if strings.HasPrefix(ev.Reason, "circuit_open:") {
			in.Status = StatusError
		} else {
			in.Status = StatusCancelled
		}
		in.NextRunAt = nil

	case KindFired:
		in, ok := s.intents[ev.IntentID]
		if !ok {
			return
		}
		if ev.OK {
			in.RunCount++
			t := fromEpochMs(ev.TS)
			in.LastFiredAt = &t
			in.LastEvaluationSessionID = ev.EvaluationSessionID
			in.ConsecutiveErrors = 0
			switch {
			case in.isOneShot():
				in.Status = StatusConverged
				in.NextRunAt = nil
			case ev.NextRunAt != nil:
				t2 := fromEpochMs(*ev.NextRunAt)
				in.NextRunAt = &t2
				if in.MaxRuns > 0 && in.RunCount >= in.MaxRuns {
					in.Status = StatusConverged
					in.NextRunAt = nil
				}
			}
		} else {
			in.ConsecutiveErrors++
			in.LastError = ev.Error
		}

	case KindConverged:
		in, ok := s.intents[ev.IntentID]
		if !ok {
			return
		}
		in.Status = StatusConverged
		in.NextRunAt = nil

	case KindRecoveryDeferred:
		in, ok := s.intents[ev.IntentID]
		if !ok || ev.DeferredTo == nil {
			return
		}
		t := fromEpochMs(*ev.DeferredTo)
		in.NextRunAt = &t

	case KindRecoverySummary:
		// Informational only; no projection effect.
	}
}

func (s *Store) minInterval() time.Duration {
	return time.Duration(s.limits.MinIntervalMs) * time.Millisecond
}

func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// computeNextRunAt implements spec.md §4.5.5's next-fire computation:
// run_at intents fire exactly once at their absolute time; cron intents
// recompute from now in their time zone, floored by min_interval_ms.
func computeNextRunAt(in *Intent, now time.Time, minInterval time.Duration) (time.Time, error) {
	if in.isOneShot() {
		return *in.RunAt, nil
	}
	schedule, err := parseCron(in.Cron)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if in.TimeZone != "" {
		loc, err = time.LoadLocation(in.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
	}
	next := schedule.Next(now.In(loc)).UTC()
	if minInterval > 0 {
		if floor := now.Add(minInterval); next.Before(floor) {
			next = floor
		}
	}
	return next, nil
}

func (s *Store) checkLimitsLocked(sessionID string, delta int) error {
	if s.limits.MaxActiveIntentsPerSession <= 0 && s.limits.MaxActiveIntentsGlobal <= 0 {
		return nil
	}
	var sessionActive, globalActive int
	for _, in := range s.intents {
		if in.Status != StatusActive {
			continue
		}
		globalActive++
		if in.ParentSessionID == sessionID {
			sessionActive++
		}
	}
	if s.limits.MaxActiveIntentsPerSession > 0 && sessionActive+delta > s.limits.MaxActiveIntentsPerSession {
		return gatewayerr.BadState("max_active_intents_per_session_exceeded", "session %s already has %d active intents", sessionID, sessionActive)
	}
	if s.limits.MaxActiveIntentsGlobal > 0 && globalActive+delta > s.limits.MaxActiveIntentsGlobal {
		return gatewayerr.BadState("max_active_intents_global_exceeded", "global active intent limit (%d) reached", s.limits.MaxActiveIntentsGlobal)
	}
	return nil
}

func intPtr(v int) *int { return &v }

// Get returns a copy of the projected intent, or nil if unknown.
func (s *Store) Get(intentID string) *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentID]
	if !ok {
		return nil
	}
	return in.clone()
}

// List returns a copy of every projected intent.
func (s *Store) List() []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in.clone())
	}
	return out
}

// ListDue returns active intents whose next_run_at has elapsed (spec.md
// §4.5.3 step 2).
func (s *Store) ListDue(now time.Time) []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Intent
	for _, in := range s.intents {
		if in.due(now) {
			due = append(due, in.clone())
		}
	}
	return due
}
