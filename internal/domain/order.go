package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrOrderNotFound          = errors.New("order not found")
	ErrStaleStateTransition   = errors.New("order state changed concurrently")
	ErrReferenceNumberTaken   = errors.New("reference number already in use")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
)

type OrderState string

const (
	OrderStatePlaced      OrderState = "PLACED"
	OrderStateQueued      OrderState = "QUEUED"
	OrderStateDispatching OrderState = "DISPATCHING"
	OrderStateNeedsRetry  OrderState = "NEEDS_RETRY"
	OrderStateFulfilled   OrderState = "FULFILLED"
	OrderStateFailed      OrderState = "FAILED"
)

// Terminal reports whether the state is final. Terminal orders are never
// re-dispatched and their queue entries are discarded on delivery.
func (s OrderState) Terminal() bool {
	return s == OrderStateFulfilled || s == OrderStateFailed
}

var allowedTransitions = map[OrderState][]OrderState{
	OrderStatePlaced:      {OrderStateQueued},
	OrderStateQueued:      {OrderStateDispatching},
	OrderStateDispatching: {OrderStateFulfilled, OrderStateFailed, OrderStateNeedsRetry},
	OrderStateNeedsRetry:  {OrderStateQueued},
}

// ValidTransition reports whether the state machine permits moving from one
// state to another. The compare-and-swap in the store enforces atomicity;
// this enforces shape.
func ValidTransition(from, to OrderState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the durable record of a reward purchase. ReferenceNumber is
// assigned exactly once at placement and is the idempotency key presented to
// the payout provider on every dispatch attempt.
type Order struct {
	ID              string
	Amount          decimal.Decimal
	Currency        string
	ReferenceNumber string
	State           OrderState
	AttemptCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewOrder(id, referenceNumber, currency string, amount decimal.Decimal) (*Order, error) {
	if id == "" || referenceNumber == "" || currency == "" {
		return nil, errors.New("invalid order data")
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	return &Order{
		ID:              id,
		Amount:          amount,
		Currency:        currency,
		ReferenceNumber: referenceNumber,
		State:           OrderStatePlaced,
		AttemptCount:    0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
