package watcher

import "sync"

// runQueue is a FIFO of account IDs waiting for a worker. An account is
// queued at most once and is never handed to two workers at the same time:
// a trigger that arrives while its cycle runs sets a rerun flag instead.
type runQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	queued  map[string]bool
	running map[string]bool
	rerun   map[string]bool
	closed  bool
}

func newRunQueue() *runQueue {
	q := &runQueue{
		queued:  make(map[string]bool),
		running: make(map[string]bool),
		rerun:   make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues accountID unless it is already waiting. Returns false when the
// request was folded into an existing entry or a rerun.
func (q *runQueue) push(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.queued[accountID] {
		return false
	}
	if q.running[accountID] {
		q.rerun[accountID] = true
		return false
	}

	q.items = append(q.items, accountID)
	q.queued[accountID] = true
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed. accept is
// called under the queue lock; items it rejects are dropped. The returned
// account is marked running until done is called.
func (q *runQueue) pop(accept func(accountID string) bool) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			return "", false
		}

		accountID := q.items[0]
		q.items = q.items[1:]
		delete(q.queued, accountID)

		if !accept(accountID) {
			continue
		}
		q.running[accountID] = true
		return accountID, true
	}
}

// done releases a running account. It reports whether a trigger arrived
// while the cycle was running.
func (q *runQueue) done(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, accountID)
	rerun := q.rerun[accountID]
	delete(q.rerun, accountID)
	return rerun
}

// remove drops a waiting entry and any pending rerun for accountID
func (q *runQueue) remove(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.rerun, accountID)
	if !q.queued[accountID] {
		return
	}
	delete(q.queued, accountID)
	for i, id := range q.items {
		if id == accountID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
}

func (q *runQueue) isQueued(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[accountID]
}

func (q *runQueue) isRunning(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[accountID]
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes every blocked pop; pending items are discarded
func (q *runQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.queued = make(map[string]bool)
	q.cond.Broadcast()
}
