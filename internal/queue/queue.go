// Package queue delivers job ids from the API to workers.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue closed")

// Queue is an at-least-once job id queue. A dequeued id stays leased to the
// consumer until Ack; expired leases are handed back by Reclaim.
type Queue interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Ack(ctx context.Context, id uuid.UUID) error
	// Extend renews the lease on a dequeued id.
	Extend(ctx context.Context, id uuid.UUID) error
	// Reclaim requeues ids whose lease expired. reset runs for each id
	// before it becomes visible to consumers again.
	Reclaim(ctx context.Context, reset func(context.Context, uuid.UUID) error) (int, error)
	// Len counts ids waiting to be dequeued.
	Len(ctx context.Context) (int, error)
	Close() error
}
