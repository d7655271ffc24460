package queue_repo

import (
	"context"
	"time"

	"fulfillment/internal/domain"
)

// QueueRepository is the durable storage behind the fulfillment queue.
// Delivery semantics (blocking dequeue, lease, backoff) live in
// internal/queue; this layer only moves rows.
type QueueRepository interface {
	Insert(ctx context.Context, querier domain.Querier, entry *domain.QueueEntry) error

	// Claim atomically takes ownership of the oldest visible entry and pushes
	// its visible_after past the lease, so no other worker can claim it until
	// the lease expires. Returns nil when no entry is visible.
	Claim(ctx context.Context, querier domain.Querier, lease time.Duration) (*domain.QueueEntry, error)

	// Delete removes an entry permanently (ack).
	Delete(ctx context.Context, querier domain.Querier, id string) error

	// Release makes a claimed entry visible again after delay and increments
	// its delivery attempt counter (nack).
	Release(ctx context.Context, querier domain.Querier, id string, delay time.Duration) error
}
