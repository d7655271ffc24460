package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"fulfillment/internal/domain"
	"fulfillment/internal/repository/order_repo"
)

const uniqueViolation = "23505"

type orderRepository struct{}

func NewOrderRepository() order_repo.OrderRepository {
	return &orderRepository{}
}

func (r *orderRepository) CreateOrder(ctx context.Context, querier domain.Querier, order *domain.Order) error {
	query := `
		INSERT INTO orders (id, amount, currency, reference_number, state, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := querier.ExecContext(ctx, query,
		order.ID,
		order.Amount.String(),
		order.Currency,
		order.ReferenceNumber,
		order.State,
		order.AttemptCount,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "orders_reference_number_key" {
			return domain.ErrReferenceNumberTaken
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *orderRepository) GetOrderByID(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error) {
	query := `
		SELECT id, amount, currency, reference_number, state, attempt_count, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	order, err := scanOrder(querier.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return order, nil
}

func (r *orderRepository) GetAllOrders(ctx context.Context, querier domain.Querier) ([]*domain.Order, error) {
	query := `
		SELECT id, amount, currency, reference_number, state, attempt_count, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
	`
	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func (r *orderRepository) TransitionState(ctx context.Context, querier domain.Querier, id string, from, to domain.OrderState) error {
	query := `
		UPDATE orders
		SET state = $1,
		    attempt_count = attempt_count + CASE WHEN $1 = 'DISPATCHING' THEN 1 ELSE 0 END,
		    updated_at = now()
		WHERE id = $2 AND state = $3
	`
	res, err := querier.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition order %s from %s to %s: %w", id, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order transition: %w", err)
	}
	if affected == 0 {
		return domain.ErrStaleStateTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order     domain.Order
		amountStr string
	)
	err := row.Scan(
		&order.ID,
		&amountStr,
		&order.Currency,
		&order.ReferenceNumber,
		&order.State,
		&order.AttemptCount,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amountStr, err)
	}
	order.Amount = amount
	return &order, nil
}
