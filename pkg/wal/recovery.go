package wal

import (
	"time"

	"github.com/brewva/gateway/pkg/logger"
)

// RecoveryHandler dispatches one non-terminal, non-expired record to its
// owning subsystem (spec.md §4.3.2). It is registered per Source, resolving
// spec.md §9's open question 1 in favor of per-scope/per-source handler
// registration. The handler is responsible for marking the record inflight
// again once it has redispatched the turn; recovery itself only decides
// which records are eligible and which are failed/expired outright.
type RecoveryHandler func(r *Record) error

// Recover runs one exclusive recovery pass over every record in the store
// (spec.md §4.3.2, §5 "recovery is exclusive"). Terminal records are
// skipped. Expired records (ttl elapsed) are marked expired without
// dispatch. Records with an empty session id or empty prompt text are
// marked failed with reason "recovery_missing_prompt_or_session". Everything
// else is dispatched to the handler registered for its Source; a source with
// no registered handler is logged and left pending (so a later recovery run,
// once the handler is registered, can still pick it up).
func Recover(s *Store, handlers map[Source]RecoveryHandler) error {
	now := time.Now()
	s.mu.Lock()
	candidates := make([]*Record, 0, len(s.byID))
	for _, r := range s.byID {
		candidates = append(candidates, r.clone())
	}
	s.mu.Unlock()

	for _, r := range candidates {
		if r.Status.terminal() {
			continue
		}
		if r.expired(now) {
			if _, err := s.MarkExpired(r.WALID); err != nil {
				logger.Warnf("wal %s: recovery failed marking %s expired: %v", s.scope, r.WALID, err)
			}
			continue
		}
		if r.Envelope.SessionID == "" || r.Envelope.PromptText() == "" {
			if _, err := s.MarkFailed(r.WALID, "recovery_missing_prompt_or_session"); err != nil {
				logger.Warnf("wal %s: recovery failed marking %s failed: %v", s.scope, r.WALID, err)
			}
			continue
		}
		handler, ok := handlers[r.Source]
		if !ok {
			logger.Warnf("wal %s: no recovery handler registered for source %s, leaving %s pending", s.scope, r.Source, r.WALID)
			continue
		}
		if err := handler(r); err != nil {
			logger.Warnf("wal %s: recovery handler for %s failed on %s: %v", s.scope, r.Source, r.WALID, err)
		}
	}
	return nil
}
