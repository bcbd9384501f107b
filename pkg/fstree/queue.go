package fstree

import (
	"context"
	"sync"
)

// SyncQueue orders the metadata phases of concurrent flushes of one file.
//
// Each flush takes a ticket when it snapshots the file's pending blocks. A
// ticket's turn comes once every ticket enqueued before it is done, so
// metadata updates commit in snapshot order even when block replication
// finishes out of order. The queue has its own mutex: waiting for a turn
// never requires the node lock.
type SyncQueue struct {
	mu      sync.Mutex
	waiters []*SyncTicket
}

// SyncTicket is one flush's place in a SyncQueue.
type SyncTicket struct {
	turn chan struct{}
}

// Enqueue appends a ticket. If the queue was empty the ticket's turn has
// already come.
func (q *SyncQueue) Enqueue() *SyncTicket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &SyncTicket{turn: make(chan struct{})}
	q.waiters = append(q.waiters, t)
	if len(q.waiters) == 1 {
		close(t.turn)
	}
	return t
}

// Len returns the number of queued tickets.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Done removes t from the queue. If t was at the head, the next ticket's
// turn begins. Removing a ticket twice is a no-op.
func (q *SyncQueue) Done(t *SyncTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.waiters {
		if w != t {
			continue
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		if i == 0 && len(q.waiters) > 0 {
			close(q.waiters[0].turn)
		}
		return
	}
}

// Wait blocks until it is t's turn or ctx is done.
func (t *SyncTicket) Wait(ctx context.Context) error {
	select {
	case <-t.turn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether t's turn has come.
func (t *SyncTicket) Ready() bool {
	select {
	case <-t.turn:
		return true
	default:
		return false
	}
}
