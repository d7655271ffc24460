package outbox

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/domain"
)

// OrderStatusEvent announces a terminal order state to downstream consumers
// (audit, operator review of FAILED orders).
type OrderStatusEvent struct {
	OrderID               string          `json:"order_id"`
	ReferenceNumber       string          `json:"reference_number"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	State                 string          `json:"state"`
	AttemptCount          int             `json:"attempt_count"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
}

func PrepareOrderStatusPayload(order *domain.Order, providerTxID, reason string, eventTime time.Time) ([]byte, error) {
	event := OrderStatusEvent{
		OrderID:               order.ID,
		ReferenceNumber:       order.ReferenceNumber,
		Amount:                order.Amount,
		Currency:              order.Currency,
		State:                 string(order.State),
		AttemptCount:          order.AttemptCount,
		ProviderTransactionID: providerTxID,
		Reason:                reason,
		Timestamp:             eventTime,
	}
	return json.Marshal(event)
}
