package reconcile

import (
	"sync"

	"github.com/google/uuid"
)

// workQueue is a coalescing, set-backed work queue: adding a UUID already
// queued or already being processed is a no-op (or, if it's mid-process,
// marks it dirty so it is re-queued once that run finishes), giving "at
// most one reconciler action per UUID at a time" with duplicate wakeups
// collapsed rather than dropped. Built directly
// on sync.Mutex/sync.Cond in the same style idm.Bus and network.FlowTable
// coordinate state — no pack library ships a ready-made coalescing queue.
type workQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []uuid.UUID
	queued     map[uuid.UUID]struct{}
	processing map[uuid.UUID]struct{}
	dirty      map[uuid.UUID]struct{}
	closed     bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{
		queued:     make(map[uuid.UUID]struct{}),
		processing: make(map[uuid.UUID]struct{}),
		dirty:      make(map[uuid.UUID]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues id for processing, collapsing duplicate wakeups.
func (q *workQueue) Add(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, inProgress := q.processing[id]; inProgress {
		q.dirty[id] = struct{}{}
		return
	}
	if _, already := q.queued[id]; already {
		return
	}
	q.queued[id] = struct{}{}
	q.queue = append(q.queue, id)
	q.cond.Signal()
}

// Get blocks until an item is available (or the queue is closed), and marks
// it as processing.
func (q *workQueue) Get() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.queue) == 0 {
		return uuid.Nil, false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.queued, id)
	q.processing[id] = struct{}{}
	return id, true
}

// Done marks id's processing finished. If id was re-Added while it was
// processing, it is immediately re-queued.
func (q *workQueue) Done(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
	if _, wasDirty := q.dirty[id]; wasDirty {
		delete(q.dirty, id)
		if _, already := q.queued[id]; !already {
			q.queued[id] = struct{}{}
			q.queue = append(q.queue, id)
			q.cond.Signal()
		}
	}
}

// Close unblocks every Get, draining the queue.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
