package order_repo

import (
	"context"

	"fulfillment/internal/domain"
)

// OrderRepository is the durable order store. Methods accept a domain.Querier
// so the service can compose them with queue and outbox writes in a single
// transaction.
type OrderRepository interface {
	CreateOrder(ctx context.Context, querier domain.Querier, order *domain.Order) error
	GetOrderByID(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error)
	GetAllOrders(ctx context.Context, querier domain.Querier) ([]*domain.Order, error)

	// TransitionState is a single-row compare-and-swap on the state column.
	// It returns domain.ErrStaleStateTransition when the persisted state no
	// longer matches from. A transition into DISPATCHING also increments
	// attempt_count, so the counter tracks provider dispatch attempts.
	TransitionState(ctx context.Context, querier domain.Querier, id string, from, to domain.OrderState) error
}
