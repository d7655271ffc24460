package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type PlaceOrderRequest struct {
	Amount   decimal.Decimal `json:"amount" validate:"required"`
	Currency string          `json:"currency" validate:"required,iso4217"`
}

type OrderResponse struct {
	ID              string          `json:"order_id"`
	ReferenceNumber string          `json:"reference_number"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	State           string          `json:"state"`
	AttemptCount    int             `json:"attempt_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
