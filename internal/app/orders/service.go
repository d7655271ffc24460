package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/domain"
	"fulfillment/internal/outbox"
	"fulfillment/internal/refnum"
	"fulfillment/internal/repository/order_repo"
	"fulfillment/internal/repository/outbox_repo"
	"fulfillment/internal/repository/queue_repo"
	"fulfillment/internal/util"
)

// Reference numbers are random and never checked against the store before
// insert; on the rare unique-constraint hit we regenerate and try again.
const maxReferenceNumberAttempts = 3

type OrderService interface {
	// PlaceOrder persists a new order in PLACED with a freshly assigned
	// reference number. It returns only after the insert is durable.
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error)

	// QueueOrder moves a PLACED order to QUEUED and inserts its queue entry in
	// one transaction. Calling it for an already queued, dispatching, or
	// terminal order is a no-op.
	QueueOrder(ctx context.Context, orderID string) error

	GetOrder(ctx context.Context, orderID string) (*OrderResponse, error)
	GetAllOrders(ctx context.Context) ([]*OrderResponse, error)

	// LoadOrder returns the full durable record; used by workers, which need
	// the reference number and amount for dispatch.
	LoadOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// Transition is the sole mutation path for order state. It compare-and-swaps
	// on the persisted state and returns domain.ErrStaleStateTransition when
	// another worker got there first.
	Transition(ctx context.Context, orderID string, from, to domain.OrderState) error

	// CompleteFulfillment transitions DISPATCHING -> FULFILLED and records the
	// terminal event in the outbox, atomically.
	CompleteFulfillment(ctx context.Context, orderID, providerTxID string) error

	// FailFulfillment transitions DISPATCHING -> FAILED and records the
	// terminal event in the outbox, atomically. Failed orders are surfaced to
	// operators through the published event; they are never auto-retried.
	FailFulfillment(ctx context.Context, orderID, reason string) error
}

type orderService struct {
	db         domain.Querier
	txm        domain.TxManager
	orderRepo  order_repo.OrderRepository
	queueRepo  queue_repo.QueueRepository
	outboxRepo outbox_repo.OutboxRepository
	generator  refnum.Generator
	eventTopic string
	logger     *zap.Logger
}

func NewOrderService(
	db domain.Querier,
	txm domain.TxManager,
	orderRepo order_repo.OrderRepository,
	queueRepo queue_repo.QueueRepository,
	outboxRepo outbox_repo.OutboxRepository,
	generator refnum.Generator,
	eventTopic string,
	logger *zap.Logger,
) OrderService {
	return &orderService{
		db:         db,
		txm:        txm,
		orderRepo:  orderRepo,
		queueRepo:  queueRepo,
		outboxRepo: outboxRepo,
		generator:  generator,
		eventTopic: eventTopic,
		logger:     logger,
	}
}

func (s *orderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error) {
	if !req.Amount.IsPositive() {
		s.logger.Warn("Rejected order with non-positive amount", zap.String("amount", req.Amount.String()))
		return nil, domain.ErrInvalidAmount
	}

	var order *domain.Order
	for attempt := 0; attempt < maxReferenceNumberAttempts; attempt++ {
		candidate, err := domain.NewOrder(util.GenerateUUID(), s.generator.Generate(), req.Currency, req.Amount)
		if err != nil {
			s.logger.Error("Failed to build order domain object", zap.Error(err))
			return nil, err
		}

		err = s.orderRepo.CreateOrder(ctx, s.db, candidate)
		if err == nil {
			order = candidate
			break
		}
		if errors.Is(err, domain.ErrReferenceNumberTaken) {
			s.logger.Warn("Reference number collision, regenerating",
				zap.String("reference_number", candidate.ReferenceNumber))
			continue
		}
		s.logger.Error("Failed to persist order", zap.String("order_id", candidate.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("exhausted %d reference number attempts: %w",
			maxReferenceNumberAttempts, domain.ErrReferenceNumberTaken)
	}

	s.logger.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("reference_number", order.ReferenceNumber),
		zap.String("amount", order.Amount.String()),
		zap.String("currency", order.Currency),
	)
	return mapOrderToResponse(order), nil
}

func (s *orderService) QueueOrder(ctx context.Context, orderID string) error {
	err := s.txm.WithTx(ctx, func(tx domain.Querier) error {
		err := s.orderRepo.TransitionState(ctx, tx, orderID, domain.OrderStatePlaced, domain.OrderStateQueued)
		if err != nil {
			return err
		}

		now := time.Now()
		entry := &domain.QueueEntry{
			ID:           util.GenerateUUID(),
			OrderID:      orderID,
			EnqueuedAt:   now,
			VisibleAfter: now,
		}
		return s.queueRepo.Insert(ctx, tx, entry)
	})
	if err == nil {
		s.logger.Info("Order queued for fulfillment", zap.String("order_id", orderID))
		return nil
	}
	if !errors.Is(err, domain.ErrStaleStateTransition) {
		s.logger.Error("Failed to queue order", zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("failed to queue order %s: %w", orderID, err)
	}

	// The CAS lost: the order is not in PLACED. Enqueueing an already-queued
	// or terminal order is a no-op; anything else means the order is missing.
	order, err := s.orderRepo.GetOrderByID(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	s.logger.Info("Order already queued or terminal, skipping enqueue",
		zap.String("order_id", orderID),
		zap.String("state", string(order.State)),
	)
	return nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetOrderByID(ctx, s.db, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		s.logger.Error("Failed to get order", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	return mapOrderToResponse(order), nil
}

func (s *orderService) GetAllOrders(ctx context.Context) ([]*OrderResponse, error) {
	orders, err := s.orderRepo.GetAllOrders(ctx, s.db)
	if err != nil {
		s.logger.Error("Failed to list orders", zap.Error(err))
		return nil, err
	}
	responses := make([]*OrderResponse, len(orders))
	for i, order := range orders {
		responses[i] = mapOrderToResponse(order)
	}
	return responses, nil
}

func (s *orderService) LoadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orderRepo.GetOrderByID(ctx, s.db, orderID)
}

func (s *orderService) Transition(ctx context.Context, orderID string, from, to domain.OrderState) error {
	if !domain.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, from, to)
	}
	return s.orderRepo.TransitionState(ctx, s.db, orderID, from, to)
}

func (s *orderService) CompleteFulfillment(ctx context.Context, orderID, providerTxID string) error {
	err := s.finishOrder(ctx, orderID, domain.OrderStateFulfilled, providerTxID, "")
	if err != nil {
		return err
	}
	s.logger.Info("Order fulfilled",
		zap.String("order_id", orderID),
		zap.String("provider_transaction_id", providerTxID),
	)
	return nil
}

func (s *orderService) FailFulfillment(ctx context.Context, orderID, reason string) error {
	err := s.finishOrder(ctx, orderID, domain.OrderStateFailed, "", reason)
	if err != nil {
		return err
	}
	s.logger.Warn("Order failed permanently, surfaced for operator review",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
	)
	return nil
}

func (s *orderService) finishOrder(ctx context.Context, orderID string, terminal domain.OrderState, providerTxID, reason string) error {
	return s.txm.WithTx(ctx, func(tx domain.Querier) error {
		err := s.orderRepo.TransitionState(ctx, tx, orderID, domain.OrderStateDispatching, terminal)
		if err != nil {
			return err
		}

		order, err := s.orderRepo.GetOrderByID(ctx, tx, orderID)
		if err != nil {
			return err
		}

		now := time.Now()
		payload, err := outbox.PrepareOrderStatusPayload(order, providerTxID, reason, now)
		if err != nil {
			return fmt.Errorf("failed to prepare order status payload: %w", err)
		}

		msg := &domain.OutboxMessage{
			ID:        util.GenerateUUID(),
			Topic:     s.eventTopic,
			Key:       order.ID,
			Payload:   payload,
			Status:    domain.OutboxStatusPending,
			CreatedAt: now,
		}
		return s.outboxRepo.CreateMessage(ctx, tx, msg)
	})
}

func mapOrderToResponse(order *domain.Order) *OrderResponse {
	return &OrderResponse{
		ID:              order.ID,
		ReferenceNumber: order.ReferenceNumber,
		Amount:          order.Amount,
		Currency:        order.Currency,
		State:           string(order.State),
		AttemptCount:    order.AttemptCount,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}
