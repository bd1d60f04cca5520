package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/brewva/gateway/pkg/logger"
)

// Store is one scope-partitioned WAL (spec.md §3, §4.3, §9 open question 1:
// "recovery handlers are registered per scope"). Each transition appends a
// full-record snapshot line to an append-only log file guarded by an
// inter-process flock, mirroring the teacher's pkg/lockfile convention of
// guarding a shared file against concurrent daemon instances.
type Store struct {
	scope string
	path  string
	lock  *flock.Flock

	mu      sync.Mutex
	byID    map[string]*Record
	dedupe  map[string]string // dedupeKey -> wal_id, only while non-terminal
	seqTail int64             // guards wal_id uniqueness within this process
}

// Open opens (creating if absent) the WAL log file for scope under dir.
func Open(dir, scope string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, scope+".wal.jsonl")
	s := &Store{
		scope:  scope,
		path:   path,
		lock:   flock.New(path + ".lock"),
		byID:   make(map[string]*Record),
		dedupe: make(map[string]string),
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
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// spec.md §9 open question 2 is about the intent event log, but
			// the same policy applies here: a corrupt interior line is
			// fatal, a corrupt trailing line (partial write) is discarded.
			if scanner.Scan() {
				return fmt.Errorf("wal %s: corrupt record at line %d: %w", s.scope, lineNo, err)
			}
			logger.Warnf("wal %s: discarding truncated trailing line %d", s.scope, lineNo)
			break
		}
		s.applyLoaded(&r)
	}
	return scanner.Err()
}

func (s *Store) applyLoaded(r *Record) {
	existing, ok := s.byID[r.WALID]
	if ok && !existing.Status.terminal() {
		delete(s.dedupe, existing.DedupeKey)
	}
	s.byID[r.WALID] = r
	if !r.Status.terminal() && r.DedupeKey != "" {
		s.dedupe[r.DedupeKey] = r.WALID
	}
}

func (s *Store) appendLine(r *Record) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(r)
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

func newWALID() string {
	return uuid.NewString()
}

// AppendPending appends a new pending record, or returns the existing
// non-terminal record unchanged if dedupeKey collides (spec.md §3, §8.2).
func (s *Store) AppendPending(env Envelope, source Source, ttlMs int64, dedupeKey string) (*Record, error) {
	s.mu.Lock()
	if dedupeKey != "" {
		if existingID, ok := s.dedupe[dedupeKey]; ok {
			existing := s.byID[existingID]
			s.mu.Unlock()
			return existing.clone(), nil
		}
	}
	s.mu.Unlock()

	now := time.Now()
	r := &Record{
		WALID:     newWALID(),
		Scope:     s.scope,
		Envelope:  env,
		Source:    source,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TTLMs:     ttlMs,
		DedupeKey: dedupeKey,
	}

	s.mu.Lock()
	// Re-check under lock: another goroutine may have appended the same
	// dedupe key while we built the record above.
	if dedupeKey != "" {
		if existingID, ok := s.dedupe[dedupeKey]; ok {
			existing := s.byID[existingID]
			s.mu.Unlock()
			return existing.clone(), nil
		}
	}
	s.mu.Unlock()

	if err := s.appendLine(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byID[r.WALID] = r
	if dedupeKey != "" {
		s.dedupe[dedupeKey] = r.WALID
	}
	s.mu.Unlock()
	return r.clone(), nil
}

// transition applies a single legal edge; illegal transitions are a no-op
// returning nil (spec.md §4.3.1: "on an illegal transition the call is a
// no-op").
func (s *Store) transition(walID string, to Status, errMsg string) (*Record, error) {
	s.mu.Lock()
	r, ok := s.byID[walID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	if !legalTransitions[r.Status][to] {
		s.mu.Unlock()
		return nil, nil
	}
	updated := r.clone()
	updated.Status = to
	updated.UpdatedAt = time.Now()
	if errMsg != "" {
		updated.Error = errMsg
	}
	s.mu.Unlock()

	if err := s.appendLine(updated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if to.terminal() && r.DedupeKey != "" {
		delete(s.dedupe, r.DedupeKey)
	}
	s.byID[walID] = updated
	s.mu.Unlock()
	return updated.clone(), nil
}

// MarkInflight transitions pending -> inflight.
func (s *Store) MarkInflight(walID string) (*Record, error) { return s.transition(walID, StatusInflight, "") }

// MarkDone transitions inflight -> done.
func (s *Store) MarkDone(walID string) (*Record, error) { return s.transition(walID, StatusDone, "") }

// MarkFailed transitions pending/inflight -> failed.
func (s *Store) MarkFailed(walID, reason string) (*Record, error) {
	return s.transition(walID, StatusFailed, reason)
}

// MarkExpired transitions pending/inflight -> expired.
func (s *Store) MarkExpired(walID string) (*Record, error) { return s.transition(walID, StatusExpired, "") }

// Get returns a copy of the record, or nil if unknown.
func (s *Store) Get(walID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[walID]
	if !ok {
		return nil
	}
	return r.clone()
}

// ListPending returns all non-terminal records.
func (s *Store) ListPending() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0)
	for _, r := range s.byID {
		if !r.Status.terminal() {
			out = append(out, r.clone())
		}
	}
	return out
}

// CompactResult summarizes a compaction pass (spec.md §4.3.1).
type CompactResult struct {
	Scanned  int
	Retained int
	Dropped  int
}

// Compact rewrites the log keeping only records younger than horizon or
// still non-terminal (spec.md §4.3.2). It takes the log's flock with a
// non-blocking TryLock; if the lock is held elsewhere it returns an empty
// result without compacting.
func (s *Store) Compact(horizon time.Duration) (CompactResult, error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return CompactResult{}, err
	}
	if !locked {
		return CompactResult{}, nil
	}
	defer func() { _ = s.lock.Unlock() }()

	s.mu.Lock()
	now := time.Now()
	var result CompactResult
	retained := make(map[string]*Record, len(s.byID))
	for id, r := range s.byID {
		result.Scanned++
		if r.Status.terminal() && now.Sub(r.UpdatedAt) > horizon {
			result.Dropped++
			continue
		}
		retained[id] = r
		result.Retained++
	}
	s.byID = retained
	s.mu.Unlock()

	tmp := s.path + ".compact.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return result, err
	}
	w := bufio.NewWriter(f)
	s.mu.Lock()
	for _, r := range s.byID {
		data, merr := json.Marshal(r)
		if merr != nil {
			s.mu.Unlock()
			_ = f.Close()
			return result, merr
		}
		if _, werr := w.Write(append(data, '\n')); werr != nil {
			s.mu.Unlock()
			_ = f.Close()
			return result, werr
		}
	}
	s.mu.Unlock()
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return result, err
	}
	if err := f.Close(); err != nil {
		return result, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return result, err
	}
	return result, nil
}

// CheckExpiries marks any non-terminal record whose ttl has elapsed as
// expired. Recover applies the same ttl check to each record it visits on
// its own; CheckExpiries is a standalone pass outside recovery.
func (s *Store) CheckExpiries() {
	now := time.Now()
	for _, r := range s.ListPending() {
		if r.expired(now) {
			if _, err := s.MarkExpired(r.WALID); err != nil {
				logger.Warnf("wal %s: failed marking %s expired: %v", s.scope, r.WALID, err)
			}
		}
	}
}
