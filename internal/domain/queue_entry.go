package domain

import "time"

// QueueEntry is a durable pointer to an order awaiting dispatch. Delivery is
// at-least-once: a claimed entry becomes visible again once its lease expires,
// so the same entry may reach two workers. The terminal-state check in the
// worker loop, not the queue, prevents duplicate payouts.
type QueueEntry struct {
	ID              string
	OrderID         string
	EnqueuedAt      time.Time
	VisibleAfter    time.Time
	DeliveryAttempt int
}
