package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/app/orders"
	"fulfillment/internal/domain"
	"fulfillment/internal/payout"
)

var testPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    time.Second,
}

func TestPool_ProcessSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateQueued, 0)
	entry := queueEntry(order.ID)
	f.client.script(response{result: &payout.Result{ProviderTransactionID: "tx-1"}})

	f.pool.process(context.Background(), f.log, entry)

	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateFulfilled {
		t.Fatalf("expected FULFILLED, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
	if txID := f.store.providerTxIDs[order.ID]; txID != "tx-1" {
		t.Fatalf("expected provider transaction recorded, got %q", txID)
	}
	if calls := f.client.callsFor(order.ReferenceNumber); calls != 1 {
		t.Fatalf("expected 1 provider call keyed by reference number, got %d", calls)
	}
	f.queue.expectAcked(t, entry.ID)
}

func TestPool_ProcessTransientThenSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateQueued, 0)
	transient := &payout.ProviderError{Transient: true, StatusCode: 503, Reason: "overloaded"}
	f.client.script(
		response{err: transient},
		response{err: transient},
		response{err: transient},
		response{result: &payout.Result{ProviderTransactionID: "tx-4"}},
	)

	// Each delivery claims, fails transiently, and requeues the order; the
	// nack delay is the backoff for the attempt that just failed.
	for i := 0; i < 3; i++ {
		entry := queueEntry(order.ID)
		f.pool.process(context.Background(), f.log, entry)
		got := f.store.get(t, order.ID)
		if got.State != domain.OrderStateQueued {
			t.Fatalf("delivery %d: expected order requeued, got %s", i+1, got.State)
		}
		f.queue.expectNacked(t, entry.ID, testPolicy.Backoff(i+1))
	}

	entry := queueEntry(order.ID)
	f.pool.process(context.Background(), f.log, entry)

	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateFulfilled {
		t.Fatalf("expected FULFILLED after recovery, got %s", got.State)
	}
	if got.AttemptCount != 4 {
		t.Fatalf("expected 4 dispatch attempts, got %d", got.AttemptCount)
	}

	delays := f.queue.nackDelays()
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("expected strictly increasing backoff, got %v", delays)
		}
	}
}

func TestPool_ProcessExhaustsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pool.cfg.Policy.MaxAttempts = 3
	order := f.store.addOrder(domain.OrderStateQueued, 0)
	transient := &payout.ProviderError{Transient: true, StatusCode: 500, Reason: "boom"}
	f.client.script(response{err: transient}, response{err: transient}, response{err: transient})

	var entry *domain.QueueEntry
	for i := 0; i < 3; i++ {
		entry = queueEntry(order.ID)
		f.pool.process(context.Background(), f.log, entry)
	}

	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %s", got.State)
	}
	if got.AttemptCount != 3 {
		t.Fatalf("expected 3 dispatch attempts, got %d", got.AttemptCount)
	}
	reason := f.store.failReasons[order.ID]
	if !strings.Contains(reason, "exhausted 3 attempts") {
		t.Fatalf("expected exhaustion reason, got %q", reason)
	}
	f.queue.expectAcked(t, entry.ID)
}

func TestPool_ProcessPermanentFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateQueued, 0)
	f.client.script(response{err: &payout.ProviderError{StatusCode: 422, Reason: "account closed"}})
	entry := queueEntry(order.ID)

	f.pool.process(context.Background(), f.log, entry)

	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateFailed {
		t.Fatalf("expected FAILED on permanent provider error, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected no retries for permanent failure, got %d attempts", got.AttemptCount)
	}
	f.queue.expectAcked(t, entry.ID)
}

func TestPool_DuplicateDeliverySkipsProvider(t *testing.T) {
	t.Parallel()

	t.Run("terminal order", func(t *testing.T) {
		f := newFixture(t)
		order := f.store.addOrder(domain.OrderStateFulfilled, 1)
		entry := queueEntry(order.ID)

		f.pool.process(context.Background(), f.log, entry)

		if f.client.totalCalls() != 0 {
			t.Fatalf("expected no provider call for terminal order")
		}
		f.queue.expectAcked(t, entry.ID)
	})

	t.Run("live claim held by another worker", func(t *testing.T) {
		f := newFixture(t)
		order := f.store.addOrder(domain.OrderStateDispatching, 1)
		entry := queueEntry(order.ID)

		f.pool.process(context.Background(), f.log, entry)

		if f.client.totalCalls() != 0 {
			t.Fatalf("expected duplicate delivery to skip the provider")
		}
		got := f.store.get(t, order.ID)
		if got.State != domain.OrderStateDispatching {
			t.Fatalf("expected live claim untouched, got %s", got.State)
		}
		f.queue.expectAcked(t, entry.ID)
	})
}

func TestPool_RecoversAbandonedClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateDispatching, 1)
	f.store.age(order.ID, f.pool.cfg.StaleClaimAfter+time.Minute)
	entry := queueEntry(order.ID)

	f.pool.process(context.Background(), f.log, entry)

	if f.client.totalCalls() != 0 {
		t.Fatalf("recovery must not dispatch directly")
	}
	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateQueued {
		t.Fatalf("expected abandoned claim requeued, got %s", got.State)
	}
	f.queue.expectNacked(t, entry.ID, testPolicy.BaseDelay)
}

func TestPool_RecoversInterruptedRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateNeedsRetry, 2)
	entry := queueEntry(order.ID)

	f.pool.process(context.Background(), f.log, entry)

	got := f.store.get(t, order.ID)
	if got.State != domain.OrderStateQueued {
		t.Fatalf("expected NEEDS_RETRY completed to QUEUED, got %s", got.State)
	}
	f.queue.expectNacked(t, entry.ID, testPolicy.BaseDelay)
}

func TestPool_DiscardsEntryForMissingOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	entry := queueEntry("no-such-order")

	f.pool.process(context.Background(), f.log, entry)

	if f.client.totalCalls() != 0 {
		t.Fatalf("expected no provider call for missing order")
	}
	f.queue.expectAcked(t, entry.ID)
}

func TestPool_RunDrainsQueueAndStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order := f.store.addOrder(domain.OrderStateQueued, 0)
	f.client.script(response{result: &payout.Result{ProviderTransactionID: "tx-1"}})
	entry := queueEntry(order.ID)
	f.queue.push(entry)

	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if f.store.get(t, order.ID).State == domain.OrderStateFulfilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never fulfilled, state %s", f.store.get(t, order.ID).State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		f.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop after cancellation")
	}
}

// --- fixture ---

type fixture struct {
	pool   *Pool
	store  *fakeOrderStore
	queue  *recordingQueue
	client *scriptedClient
	log    *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeOrderStore()
	q := newRecordingQueue()
	client := &scriptedClient{}
	pool := NewPool(Config{
		Workers:         1,
		Policy:          testPolicy,
		StaleClaimAfter: 30 * time.Second,
	}, q, store, client, zap.NewNop())
	return &fixture{pool: pool, store: store, queue: q, client: client, log: zap.NewNop()}
}

func queueEntry(orderID string) *domain.QueueEntry {
	now := time.Now()
	return &domain.QueueEntry{
		ID:           "entry-" + orderID,
		OrderID:      orderID,
		EnqueuedAt:   now,
		VisibleAfter: now,
	}
}

// fakeOrderStore backs the service interface with a map. Transitions apply
// the same compare-and-swap rules as the Postgres repository, including the
// attempt bump on entering DISPATCHING.
type fakeOrderStore struct {
	mu            sync.Mutex
	seq           int
	orders        map[string]*domain.Order
	providerTxIDs map[string]string
	failReasons   map[string]string
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders:        make(map[string]*domain.Order),
		providerTxIDs: make(map[string]string),
		failReasons:   make(map[string]string),
	}
}

func (s *fakeOrderStore) addOrder(state domain.OrderState, attempts int) *domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now()
	order := &domain.Order{
		ID:              "order-" + string(rune('a'+s.seq)),
		Amount:          decimal.NewFromFloat(25.00),
		Currency:        "USD",
		ReferenceNumber: "1234-5678-90123" + string(rune('0'+s.seq)),
		State:           state,
		AttemptCount:    attempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.orders[order.ID] = order
	copied := *order
	return &copied
}

func (s *fakeOrderStore) age(orderID string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID].UpdatedAt = time.Now().Add(-by)
}

func (s *fakeOrderStore) get(t *testing.T, orderID string) *domain.Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		t.Fatalf("order %s missing from store", orderID)
	}
	copied := *order
	return &copied
}

func (s *fakeOrderStore) LoadOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeOrderStore) Transition(_ context.Context, orderID string, from, to domain.OrderState) error {
	if !domain.ValidTransition(from, to) {
		return domain.ErrInvalidStateTransition
	}
	return s.cas(orderID, from, to)
}

func (s *fakeOrderStore) CompleteFulfillment(_ context.Context, orderID, providerTxID string) error {
	if err := s.cas(orderID, domain.OrderStateDispatching, domain.OrderStateFulfilled); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerTxIDs[orderID] = providerTxID
	return nil
}

func (s *fakeOrderStore) FailFulfillment(_ context.Context, orderID, reason string) error {
	if err := s.cas(orderID, domain.OrderStateDispatching, domain.OrderStateFailed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReasons[orderID] = reason
	return nil
}

func (s *fakeOrderStore) cas(orderID string, from, to domain.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.State != from {
		return domain.ErrStaleStateTransition
	}
	order.State = to
	if to == domain.OrderStateDispatching {
		order.AttemptCount++
	}
	order.UpdatedAt = time.Now()
	return nil
}

func (s *fakeOrderStore) PlaceOrder(context.Context, *orders.PlaceOrderRequest) (*orders.OrderResponse, error) {
	return nil, errors.New("not used by workers")
}

func (s *fakeOrderStore) QueueOrder(context.Context, string) error {
	return errors.New("not used by workers")
}

func (s *fakeOrderStore) GetOrder(context.Context, string) (*orders.OrderResponse, error) {
	return nil, errors.New("not used by workers")
}

func (s *fakeOrderStore) GetAllOrders(context.Context) ([]*orders.OrderResponse, error) {
	return nil, errors.New("not used by workers")
}

type nackCall struct {
	entryID string
	delay   time.Duration
}

type recordingQueue struct {
	mu      sync.Mutex
	pending chan *domain.QueueEntry
	acked   []string
	nacked  []nackCall
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{pending: make(chan *domain.QueueEntry, 16)}
}

func (q *recordingQueue) push(entry *domain.QueueEntry) {
	q.pending <- entry
}

func (q *recordingQueue) Dequeue(ctx context.Context) (*domain.QueueEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case entry := <-q.pending:
		return entry, nil
	}
}

func (q *recordingQueue) Ack(_ context.Context, entry *domain.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, entry.ID)
	return nil
}

func (q *recordingQueue) Nack(_ context.Context, entry *domain.QueueEntry, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, nackCall{entryID: entry.ID, delay: delay})
	return nil
}

func (q *recordingQueue) expectAcked(t *testing.T, entryID string) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.acked {
		if id == entryID {
			return
		}
	}
	t.Fatalf("entry %s was not acked; acked=%v nacked=%v", entryID, q.acked, q.nacked)
}

func (q *recordingQueue) expectNacked(t *testing.T, entryID string, delay time.Duration) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, call := range q.nacked {
		if call.entryID == entryID {
			if call.delay != delay {
				t.Fatalf("entry %s nacked with delay %v, expected %v", entryID, call.delay, delay)
			}
			return
		}
	}
	t.Fatalf("entry %s was not nacked; acked=%v nacked=%v", entryID, q.acked, q.nacked)
}

func (q *recordingQueue) nackDelays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	delays := make([]time.Duration, len(q.nacked))
	for i, call := range q.nacked {
		delays[i] = call.delay
	}
	return delays
}

type response struct {
	result *payout.Result
	err    error
}

type scriptedClient struct {
	mu        sync.Mutex
	responses []response
	calls     []string
}

func (c *scriptedClient) script(responses ...response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

func (c *scriptedClient) IssuePayout(_ context.Context, idempotencyKey string, _ decimal.Decimal, _ string) (*payout.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, idempotencyKey)
	if len(c.responses) == 0 {
		return nil, &payout.ProviderError{Transient: true, StatusCode: 503, Reason: "no scripted response"}
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return next.result, next.err
}

func (c *scriptedClient) callsFor(idempotencyKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, key := range c.calls {
		if key == idempotencyKey {
			n++
		}
	}
	return n
}

func (c *scriptedClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
