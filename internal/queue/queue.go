package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/domain"
	"fulfillment/internal/repository/queue_repo"
)

// Queue delivers orders awaiting dispatch to fulfillment workers.
// Delivery is at-least-once with a per-entry lease: an entry handed to a
// worker becomes invisible until the lease expires, then is redelivered if
// neither acked nor nacked. Enqueueing happens through
// OrderService.QueueOrder so the state check and the insert share a
// transaction.
type Queue interface {
	// Dequeue blocks until an entry is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*domain.QueueEntry, error)

	// Ack removes the entry permanently.
	Ack(ctx context.Context, entry *domain.QueueEntry) error

	// Nack makes the entry visible again after delay.
	Nack(ctx context.Context, entry *domain.QueueEntry, delay time.Duration) error
}

type Config struct {
	PollInterval time.Duration
	Lease        time.Duration
}

type postgresQueue struct {
	db     domain.Querier
	repo   queue_repo.QueueRepository
	cfg    Config
	logger *zap.Logger
}

func NewPostgresQueue(db domain.Querier, repo queue_repo.QueueRepository, cfg Config, logger *zap.Logger) Queue {
	return &postgresQueue{
		db:     db,
		repo:   repo,
		cfg:    cfg,
		logger: logger,
	}
}

func (q *postgresQueue) Dequeue(ctx context.Context) (*domain.QueueEntry, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		entry, err := q.repo.Claim(ctx, q.db, q.cfg.Lease)
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue entry: %w", err)
		}
		if entry != nil {
			q.logger.Debug("Claimed queue entry",
				zap.String("entry_id", entry.ID),
				zap.String("order_id", entry.OrderID),
				zap.Int("delivery_attempt", entry.DeliveryAttempt),
			)
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *postgresQueue) Ack(ctx context.Context, entry *domain.QueueEntry) error {
	return q.repo.Delete(ctx, q.db, entry.ID)
}

func (q *postgresQueue) Nack(ctx context.Context, entry *domain.QueueEntry, delay time.Duration) error {
	return q.repo.Release(ctx, q.db, entry.ID, delay)
}
