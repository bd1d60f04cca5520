package supervisor

import (
	"context"
	"sync"

	"github.com/brewva/gateway/pkg/gatewayerr"
)

// admission implements the acquire/release algorithm from spec.md §4.2.1.
// workers+reservations is the quantity capped by maxWorkers; a bounded FIFO
// wait queue of size maxOpenQueue holds suspended openers when the cap is
// hit and queuing is enabled.
type admission struct {
	mu           sync.Mutex
	maxWorkers   int
	maxOpenQueue int
	workers      int
	reservations int
	waiters      []chan struct{}
}

func newAdmission(maxWorkers, maxOpenQueue int) *admission {
	return &admission{maxWorkers: maxWorkers, maxOpenQueue: maxOpenQueue}
}

// acquire blocks (respecting ctx) until a reservation is granted, or returns
// a typed capacity error immediately for the non-blocking cases (spec.md
// §4.2.1, §8.1 invariant 5: "if max_open_queue = 0, admission never blocks").
func (a *admission) acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.workers+a.reservations < a.maxWorkers {
		a.reservations++
		a.mu.Unlock()
		return nil
	}
	if a.maxOpenQueue == 0 {
		details := a.detailsLocked()
		a.mu.Unlock()
		return gatewayerr.BadStateWithDetails("worker_limit", true, details, "worker limit reached")
	}
	if len(a.waiters) >= a.maxOpenQueue {
		details := a.detailsLocked()
		a.mu.Unlock()
		return gatewayerr.BadStateWithDetails("open_queue_full", false, details, "open queue is full")
	}
	wait := make(chan struct{})
	a.waiters = append(a.waiters, wait)
	a.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		a.removeWaiterLocked(wait)
		a.mu.Unlock()
		return ctx.Err()
	}
}

func (a *admission) removeWaiterLocked(target chan struct{}) {
	for i, w := range a.waiters {
		if w == target {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

func (a *admission) detailsLocked() map[string]any {
	return map[string]any{
		"maxWorkers":     a.maxWorkers,
		"currentWorkers": a.workers,
		"queueDepth":     len(a.waiters),
		"maxQueueDepth":  a.maxOpenQueue,
	}
}

// commit converts a reservation into a live worker (called once the child
// actually starts and is registered).
func (a *admission) commit() {
	a.mu.Lock()
	a.reservations--
	a.workers++
	a.mu.Unlock()
}

// release is called on every terminal outcome: session opened-then-closed,
// open failed before commit, session stopped, or worker crashed. It resumes
// the oldest waiter if capacity is now available (spec.md §4.2.1).
func (a *admission) release(wasCommitted bool) {
	a.mu.Lock()
	if wasCommitted {
		a.workers--
	} else {
		a.reservations--
	}
	a.wakeWaiterLocked()
	a.mu.Unlock()
}

func (a *admission) wakeWaiterLocked() {
	if a.workers+a.reservations >= a.maxWorkers {
		return
	}
	if len(a.waiters) == 0 {
		return
	}
	w := a.waiters[0]
	a.waiters = a.waiters[1:]
	a.reservations++
	close(w)
}

func (a *admission) snapshot() (workers, reservations, queueDepth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers, a.reservations, len(a.waiters)
}
