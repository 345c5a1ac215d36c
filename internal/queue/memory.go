package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue. Nothing survives a restart, so leases
// never expire and Reclaim is a no-op.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []uuid.UUID
	inflight map[uuid.UUID]struct{}
	notify   chan struct{}
	closed   bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[uuid.UUID]struct{}),
		notify:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, id)
	q.wake()
	return nil
}

// wake releases every blocked Dequeue; callers hold mu.
func (q *MemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return uuid.Nil, ErrClosed
		}
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.inflight[id] = struct{}{}
			q.mu.Unlock()
			return id, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	return nil
}

func (q *MemoryQueue) Extend(context.Context, uuid.UUID) error { return nil }

func (q *MemoryQueue) Reclaim(context.Context, func(context.Context, uuid.UUID) error) (int, error) {
	return 0, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Inflight counts dequeued ids not yet acknowledged.
func (q *MemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wake()
	}
	return nil
}
