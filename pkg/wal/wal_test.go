package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "gateway")
	require.NoError(t, err)
	return s
}

func testEnvelope(sessionID, turnID string) Envelope {
	return Envelope{SessionID: sessionID, TurnID: turnID, Parts: []string{"hi"}, Timestamp: time.Now()}
}

func TestAppendPending_DedupeCollisionReturnsExistingRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "k1")
	require.NoError(t, err)

	second, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "k1")
	require.NoError(t, err)

	assert.Equal(t, first.WALID, second.WALID)
	assert.Len(t, s.ListPending(), 1)
}

func TestAppendPending_DedupeAllowsReappendAfterTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "k1")
	require.NoError(t, err)
	_, err = s.MarkInflight(first.WALID)
	require.NoError(t, err)
	_, err = s.MarkDone(first.WALID)
	require.NoError(t, err)

	second, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "k1")
	require.NoError(t, err)
	assert.NotEqual(t, first.WALID, second.WALID)
}

func TestTransitions_FollowLegalDAGOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "")
	require.NoError(t, err)

	// done is not reachable directly from pending.
	got, err := s.MarkDone(r.WALID)
	require.NoError(t, err)
	assert.Nil(t, got, "illegal transition must be a no-op")
	assert.Equal(t, StatusPending, s.Get(r.WALID).Status)

	_, err = s.MarkInflight(r.WALID)
	require.NoError(t, err)
	assert.Equal(t, StatusInflight, s.Get(r.WALID).Status)

	_, err = s.MarkDone(r.WALID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, s.Get(r.WALID).Status)

	// No transition out of a terminal state.
	got, err = s.MarkFailed(r.WALID, "whatever")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, StatusDone, s.Get(r.WALID).Status)
}

func TestListPending_ExcludesTerminalRecords(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	a, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "")
	require.NoError(t, err)
	_, err = s.AppendPending(testEnvelope("s1", "t2"), SourceGateway, 0, "")
	require.NoError(t, err)

	_, err = s.MarkInflight(a.WALID)
	require.NoError(t, err)
	_, err = s.MarkFailed(a.WALID, "boom")
	require.NoError(t, err)

	pending := s.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "t2", pending[0].Envelope.TurnID)
}

func TestReopen_ReplaysLatestStateFromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir, "gateway")
	require.NoError(t, err)
	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "k1")
	require.NoError(t, err)
	_, err = s.MarkInflight(r.WALID)
	require.NoError(t, err)

	reopened, err := Open(dir, "gateway")
	require.NoError(t, err)
	got := reopened.Get(r.WALID)
	require.NotNil(t, got)
	assert.Equal(t, StatusInflight, got.Status)
}

func TestCompact_DropsOldTerminalRecordsOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	old, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "")
	require.NoError(t, err)
	_, err = s.MarkInflight(old.WALID)
	require.NoError(t, err)
	_, err = s.MarkDone(old.WALID)
	require.NoError(t, err)

	fresh, err := s.AppendPending(testEnvelope("s1", "t2"), SourceGateway, 0, "")
	require.NoError(t, err)

	// With a horizon of 0, any terminal record is old enough to drop, since
	// its UpdatedAt is already in the past.
	result, err := s.Compact(0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Dropped) // old (terminal, age > 0)
	assert.Equal(t, 1, result.Retained)
	assert.Nil(t, s.Get(old.WALID))
	assert.NotNil(t, s.Get(fresh.WALID))
}

func TestCheckExpiries_MarksElapsedTTLExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 1, "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s.CheckExpiries()
	assert.Equal(t, StatusExpired, s.Get(r.WALID).Status)
	assert.Empty(t, s.ListPending())
}

func TestRecover_DispatchesPendingToSourceHandler(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "")
	require.NoError(t, err)

	var dispatched *Record
	handlers := map[Source]RecoveryHandler{
		SourceGateway: func(rec *Record) error {
			dispatched = rec
			_, err := s.MarkInflight(rec.WALID)
			return err
		},
	}
	require.NoError(t, Recover(s, handlers))

	require.NotNil(t, dispatched)
	assert.Equal(t, r.WALID, dispatched.WALID)
	assert.Equal(t, StatusInflight, s.Get(r.WALID).Status)
}

func TestRecover_MissingSessionMarksFailed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	env := Envelope{TurnID: "t1", Parts: []string{"hi"}}
	r, err := s.AppendPending(env, SourceGateway, 0, "")
	require.NoError(t, err)

	require.NoError(t, Recover(s, map[Source]RecoveryHandler{}))
	got := s.Get(r.WALID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "recovery_missing_prompt_or_session", got.Error)
}

func TestRecover_ExpiredAgedRecordIsMarkedExpiredNotDispatched(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 1, "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	called := false
	handlers := map[Source]RecoveryHandler{
		SourceGateway: func(*Record) error { called = true; return nil },
	}
	require.NoError(t, Recover(s, handlers))

	assert.False(t, called)
	assert.Equal(t, StatusExpired, s.Get(r.WALID).Status)
}

func TestRecover_IsIdempotentOnSecondRun(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r, err := s.AppendPending(testEnvelope("s1", "t1"), SourceGateway, 0, "")
	require.NoError(t, err)

	calls := 0
	handlers := map[Source]RecoveryHandler{
		SourceGateway: func(rec *Record) error {
			calls++
			_, err := s.MarkInflight(rec.WALID)
			return err
		},
	}
	require.NoError(t, Recover(s, handlers))
	require.NoError(t, Recover(s, handlers))

	// Second pass sees the record already inflight (non-terminal, but not
	// pending) and dispatches it again, since it never reached
	// done/failed/expired; the WAL state it leaves behind is the same as
	// after the first pass.
	assert.Equal(t, 2, calls)
	assert.Equal(t, StatusInflight, s.Get(r.WALID).Status)
}
