package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/domain"
	"fulfillment/internal/repository/queue_repo"
)

type queueRepository struct{}

func NewQueueRepository() queue_repo.QueueRepository {
	return &queueRepository{}
}

func (r *queueRepository) Insert(ctx context.Context, querier domain.Querier, entry *domain.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (id, order_id, enqueued_at, visible_after, delivery_attempt)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := querier.ExecContext(ctx, query,
		entry.ID,
		entry.OrderID,
		entry.EnqueuedAt,
		entry.VisibleAfter,
		entry.DeliveryAttempt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry for order %s: %w", entry.OrderID, err)
	}
	return nil
}

func (r *queueRepository) Claim(ctx context.Context, querier domain.Querier, lease time.Duration) (*domain.QueueEntry, error) {
	// FOR UPDATE SKIP LOCKED keeps two concurrent claims from selecting the
	// same row; the visible_after bump is the lease.
	query := `
		UPDATE queue_entries
		SET visible_after = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE visible_after <= now()
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, order_id, enqueued_at, visible_after, delivery_attempt
	`
	entry := &domain.QueueEntry{}
	err := querier.QueryRowContext(ctx, query, lease.Seconds()).Scan(
		&entry.ID,
		&entry.OrderID,
		&entry.EnqueuedAt,
		&entry.VisibleAfter,
		&entry.DeliveryAttempt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	return entry, nil
}

func (r *queueRepository) Delete(ctx context.Context, querier domain.Querier, id string) error {
	_, err := querier.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	return nil
}

func (r *queueRepository) Release(ctx context.Context, querier domain.Querier, id string, delay time.Duration) error {
	query := `
		UPDATE queue_entries
		SET visible_after = now() + make_interval(secs => $1),
		    delivery_attempt = delivery_attempt + 1
		WHERE id = $2
	`
	_, err := querier.ExecContext(ctx, query, delay.Seconds(), id)
	if err != nil {
		return fmt.Errorf("failed to release queue entry %s: %w", id, err)
	}
	return nil
}
