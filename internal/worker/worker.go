package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fulfillment/internal/app/orders"
	"fulfillment/internal/domain"
	"fulfillment/internal/payout"
	"fulfillment/internal/queue"
)

const shutdownGrace = 5 * time.Second

type Config struct {
	Workers int
	Policy  RetryPolicy

	// StaleClaimAfter is how long a DISPATCHING order may sit untouched before
	// its claim is presumed abandoned by a crashed worker and recovered back
	// to QUEUED. It should be at least the queue lease.
	StaleClaimAfter time.Duration
}

// Pool runs a fixed number of fulfillment workers. Each worker dequeues an
// entry, claims the order via the state CAS, dispatches the payout with the
// order's reference number as idempotency key, and records the outcome.
// Workers share nothing in-process; the order store is the only
// serialization point.
type Pool struct {
	cfg    Config
	queue  queue.Queue
	orders orders.OrderService
	client payout.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewPool(cfg Config, q queue.Queue, svc orders.OrderService, client payout.Client, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		queue:  q,
		orders: svc,
		client: client,
		logger: logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, p.logger.With(zap.Int("worker_id", id)))
		}(i)
	}
	p.logger.Info("Fulfillment worker pool started", zap.Int("workers", p.cfg.Workers))
}

// Wait blocks until all workers have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, log *zap.Logger) {
	for {
		entry, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Worker stopping")
				return
			}
			// The queue being unreachable must not kill the consumer; back
			// off and keep trying.
			log.Error("Failed to dequeue, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.Policy.BaseDelay):
			}
			continue
		}
		p.process(ctx, log, entry)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry) {
	log = log.With(zap.String("order_id", entry.OrderID), zap.String("entry_id", entry.ID))

	order, err := p.orders.LoadOrder(ctx, entry.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Entry pointing at no order: nothing to fulfill.
			log.Error("Queue entry references missing order, discarding")
			p.ack(ctx, log, entry)
			return
		}
		log.Error("Failed to load order, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}

	// Primary defense against at-least-once delivery: a terminal order has
	// already been settled by some worker, so the duplicate is dropped
	// without touching the provider.
	if order.State.Terminal() {
		log.Debug("Order already terminal, discarding duplicate delivery",
			zap.String("state", string(order.State)))
		p.ack(ctx, log, entry)
		return
	}

	err = p.orders.Transition(ctx, order.ID, domain.OrderStateQueued, domain.OrderStateDispatching)
	if err != nil {
		if errors.Is(err, domain.ErrStaleStateTransition) {
			p.handleLostClaim(ctx, log, entry, order)
			return
		}
		log.Error("Failed to claim order for dispatch, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}

	// The CAS into DISPATCHING bumped the persisted counter.
	attempt := order.AttemptCount + 1
	p.dispatch(ctx, log, entry, order, attempt)
}

// handleLostClaim runs when the QUEUED -> DISPATCHING CAS failed, meaning the
// order moved under us between load and claim.
func (p *Pool) handleLostClaim(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry, stale *domain.Order) {
	order, err := p.orders.LoadOrder(ctx, stale.ID)
	if err != nil {
		log.Error("Failed to reload order after lost claim, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}

	switch {
	case order.State.Terminal():
		p.ack(ctx, log, entry)

	case order.State == domain.OrderStateNeedsRetry:
		// A worker crashed between NEEDS_RETRY and QUEUED. Finish the move
		// and let a later delivery dispatch it.
		if err := p.orders.Transition(ctx, order.ID, domain.OrderStateNeedsRetry, domain.OrderStateQueued); err != nil &&
			!errors.Is(err, domain.ErrStaleStateTransition) {
			log.Error("Failed to recover order from NEEDS_RETRY", zap.Error(err))
		}
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)

	case order.State == domain.OrderStateDispatching:
		if time.Since(order.UpdatedAt) < p.cfg.StaleClaimAfter {
			// Another worker holds a live claim; drop our duplicate without
			// calling the provider.
			log.Debug("Order claimed by another worker, discarding duplicate delivery")
			p.ack(ctx, log, entry)
			return
		}
		// The claim owner went away mid-dispatch. Requeue; the reference
		// number keeps the eventual redispatch idempotent even if the dead
		// worker's payout actually went through.
		log.Warn("Recovering order from abandoned dispatch claim")
		if err := p.orders.Transition(ctx, order.ID, domain.OrderStateDispatching, domain.OrderStateNeedsRetry); err == nil {
			if err := p.orders.Transition(ctx, order.ID, domain.OrderStateNeedsRetry, domain.OrderStateQueued); err != nil &&
				!errors.Is(err, domain.ErrStaleStateTransition) {
				log.Error("Failed to requeue order after abandoned claim", zap.Error(err))
			}
		}
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)

	default:
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
	}
}

func (p *Pool) dispatch(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry, order *domain.Order, attempt int) {
	log = log.With(zap.Int("attempt", attempt))
	log.Info("Dispatching payout",
		zap.String("reference_number", order.ReferenceNumber),
		zap.String("amount", order.Amount.String()),
		zap.String("currency", order.Currency),
	)

	result, err := p.client.IssuePayout(ctx, order.ReferenceNumber, order.Amount, order.Currency)
	if err == nil {
		if err := p.orders.CompleteFulfillment(ctx, order.ID, result.ProviderTransactionID); err != nil {
			if errors.Is(err, domain.ErrStaleStateTransition) {
				// Our claim was recovered by another worker; it will converge.
				p.ack(ctx, log, entry)
				return
			}
			// Payout succeeded but the terminal write did not. Leave the
			// order recoverable; redispatch is deduplicated by the provider.
			log.Error("Failed to record fulfillment, will redeliver", zap.Error(err))
			p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
			return
		}
		p.ack(ctx, log, entry)
		return
	}

	if payout.IsTransient(err) {
		p.retry(ctx, log, entry, order, attempt, err)
		return
	}

	log.Warn("Permanent provider failure", zap.Error(err))
	p.fail(ctx, log, entry, order, err.Error())
}

func (p *Pool) retry(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry, order *domain.Order, attempt int, cause error) {
	if p.cfg.Policy.Exhausted(attempt) {
		log.Warn("Retry budget exhausted", zap.Error(cause))
		p.fail(ctx, log, entry, order, fmt.Sprintf("exhausted %d attempts: %v", attempt, cause))
		return
	}

	delay := p.cfg.Policy.Backoff(attempt)
	log.Info("Transient provider failure, scheduling retry",
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	if err := p.orders.Transition(ctx, order.ID, domain.OrderStateDispatching, domain.OrderStateNeedsRetry); err != nil {
		log.Error("Failed to transition order to NEEDS_RETRY, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}
	if err := p.orders.Transition(ctx, order.ID, domain.OrderStateNeedsRetry, domain.OrderStateQueued); err != nil {
		// Redelivery finds NEEDS_RETRY and completes the move.
		log.Error("Failed to requeue order, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}
	p.nack(ctx, log, entry, delay)
}

func (p *Pool) fail(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry, order *domain.Order, reason string) {
	if err := p.orders.FailFulfillment(ctx, order.ID, reason); err != nil {
		if errors.Is(err, domain.ErrStaleStateTransition) {
			p.ack(ctx, log, entry)
			return
		}
		log.Error("Failed to record permanent failure, will redeliver", zap.Error(err))
		p.nack(ctx, log, entry, p.cfg.Policy.BaseDelay)
		return
	}
	p.ack(ctx, log, entry)
}

func (p *Pool) ack(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry) {
	ctx, cancel := p.opContext(ctx)
	defer cancel()
	if err := p.queue.Ack(ctx, entry); err != nil {
		// The lease will expire and the entry will be redelivered; the
		// terminal-state check makes the extra delivery harmless.
		log.Error("Failed to ack queue entry", zap.Error(err))
	}
}

func (p *Pool) nack(ctx context.Context, log *zap.Logger, entry *domain.QueueEntry, delay time.Duration) {
	ctx, cancel := p.opContext(ctx)
	defer cancel()
	if err := p.queue.Nack(ctx, entry, delay); err != nil {
		log.Error("Failed to nack queue entry", zap.Error(err))
	}
}

// opContext keeps queue bookkeeping working during shutdown: an in-flight
// entry must be nacked, never abandoned mid-claim, even after the pool
// context is cancelled.
func (p *Pool) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), shutdownGrace)
}
