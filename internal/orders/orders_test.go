package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/breaker"
	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]domain.OrderTask
	byKey map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]domain.OrderTask), byKey: make(map[string]string)}
}

func (s *fakeStore) CreateOrderTask(_ context.Context, t domain.OrderTask) (domain.OrderTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[t.IdempotencyKey]; ok {
		return s.tasks[id], false, nil
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	t.Status = domain.OrderPending
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()
	s.tasks[t.TaskID] = t
	s.byKey[t.IdempotencyKey] = t.TaskID
	return t, true, nil
}

func (s *fakeStore) OrderTask(_ context.Context, taskID string) (domain.OrderTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok, nil
}

func (s *fakeStore) PendingOrderTasks(_ context.Context, limit int) ([]domain.OrderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderTask
	for _, t := range s.tasks {
		if t.Status == domain.OrderPending || t.Status == domain.OrderRetrying {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateOrderTaskStatus(_ context.Context, taskID string, status domain.OrderStatus, attempts uint32, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = status
	t.Attempts = attempts
	t.LastError = lastErr
	s.tasks[taskID] = t
	return nil
}

func (s *fakeStore) CompleteOrderTask(_ context.Context, taskID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = domain.OrderCompleted
	t.Result = result
	s.tasks[taskID] = t
	return nil
}

func (s *fakeStore) status(taskID string) domain.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID].Status
}

type fakeUpstream struct {
	mu       sync.Mutex
	placed   int
	placeErr error
	result   broker.OrderResult
}

func (c *fakeUpstream) PlaceOrder(_ context.Context, _ broker.OrderParams) (broker.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed++
	if c.placeErr != nil {
		return broker.OrderResult{}, c.placeErr
	}
	return c.result, nil
}

func (c *fakeUpstream) ModifyOrder(context.Context, broker.OrderParams) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (c *fakeUpstream) CancelOrder(context.Context, broker.OrderParams) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (c *fakeUpstream) GetQuote(context.Context, uint32) (broker.Quote, error) { return broker.Quote{}, nil }
func (c *fakeUpstream) HistoricalCandles(context.Context, uint32, time.Time, time.Time, string) ([]broker.Candle, error) {
	return nil, nil
}

type fakeSessions struct {
	clients  map[string]*fakeUpstream
	breakers map[string]*breaker.Breaker
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{clients: make(map[string]*fakeUpstream), breakers: make(map[string]*breaker.Breaker)}
}

func (f *fakeSessions) withAccount(accountID string, c *fakeUpstream) *fakeSessions {
	f.clients[accountID] = c
	f.breakers[accountID] = breaker.New("test-"+accountID, breaker.Config{FailureThreshold: 100})
	return f
}

func (f *fakeSessions) UpstreamClientFor(accountID string) (broker.UpstreamClient, bool) {
	c, ok := f.clients[accountID]
	return c, ok
}

func (f *fakeSessions) BreakerFor(accountID string) (*breaker.Breaker, bool) {
	b, ok := f.breakers[accountID]
	return b, ok
}

func testConfig() Config {
	return Config{Workers: 2, BatchSize: 8, PollInterval: 10 * time.Millisecond, MaxAttempts: 3, BackoffBase: 20 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
}

func TestEngine_SubmitIsIdempotentOnRepeatedKey(t *testing.T) {
	store := newFakeStore()
	e := New(testConfig(), store, newFakeSessions())

	params := broker.OrderParams{TradingSymbol: "NIFTY25NOVFUT", Quantity: 50, TransactionType: "BUY"}
	first, created1, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, params, "client-key-1")
	require.NoError(t, err)
	assert.True(t, created1)

	second, created2, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, params, "client-key-1")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestEngine_SubmitDerivesKeyWhenNoneSupplied(t *testing.T) {
	store := newFakeStore()
	e := New(testConfig(), store, newFakeSessions())

	params := broker.OrderParams{TradingSymbol: "NIFTY25NOVFUT", Quantity: 50, TransactionType: "BUY"}
	first, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, params, "")
	require.NoError(t, err)

	second, created, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, params, "")
	require.NoError(t, err)
	assert.False(t, created, "an identical retry with no client key must dedupe via the derived key")
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestEngine_SuccessfulTaskCompletes(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions().withAccount("acct-a", &fakeUpstream{result: broker.OrderResult{OrderID: "ORD1"}})
	e := New(testConfig(), store, sessions)

	task, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	require.Eventually(t, func() bool { return store.status(task.TaskID) == domain.OrderCompleted }, time.Second, 5*time.Millisecond)
}

func TestEngine_PermanentUpstreamErrorFailsWithoutRetry(t *testing.T) {
	store := newFakeStore()
	client := &fakeUpstream{placeErr: apperr.UpstreamPermanent(assert.AnError, "rejected")}
	sessions := newFakeSessions().withAccount("acct-a", client)
	e := New(testConfig(), store, sessions)

	task, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	require.Eventually(t, func() bool { return store.status(task.TaskID) == domain.OrderFailed }, time.Second, 5*time.Millisecond)
	client.mu.Lock()
	attempts := client.placed
	client.mu.Unlock()
	assert.Equal(t, 1, attempts, "a permanent rejection must not be retried")
}

func TestEngine_TransientFailureRetriesThenDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	client := &fakeUpstream{placeErr: apperr.UpstreamTransient(assert.AnError, "timeout")}
	sessions := newFakeSessions().withAccount("acct-a", client)
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := New(cfg, store, sessions)

	task, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	require.Eventually(t, func() bool { return store.status(task.TaskID) == domain.OrderDeadLetter }, 2*time.Second, 5*time.Millisecond)
	client.mu.Lock()
	attempts := client.placed
	client.mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestEngine_NoSessionRetriesAsTransient(t *testing.T) {
	store := newFakeStore()
	e := New(testConfig(), store, newFakeSessions()) // no account wired at all

	task, _, err := e.Submit(context.Background(), "acct-missing", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() { cancel(); e.Stop() }()

	require.Eventually(t, func() bool { return store.status(task.TaskID) == domain.OrderDeadLetter }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ReplayDeadLetterResetsAttemptsAndStatus(t *testing.T) {
	store := newFakeStore()
	e := New(testConfig(), store, newFakeSessions())

	task, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateOrderTaskStatus(context.Background(), task.TaskID, domain.OrderDeadLetter, 5, "exhausted"))

	require.NoError(t, e.ReplayDeadLetter(context.Background(), task.TaskID))

	got, ok, err := store.OrderTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.EqualValues(t, 0, got.Attempts)
}

func TestEngine_ReplayRejectsNonDeadLetterTask(t *testing.T) {
	store := newFakeStore()
	e := New(testConfig(), store, newFakeSessions())

	task, _, err := e.Submit(context.Background(), "acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY"}, "k1")
	require.NoError(t, err)

	err = e.ReplayDeadLetter(context.Background(), task.TaskID)
	assert.Error(t, err)
}

func TestIdempotencyKey_DependsOnOrderIdentifyingFields(t *testing.T) {
	a := IdempotencyKey("acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY", Quantity: 50, TransactionType: "BUY"})
	b := IdempotencyKey("acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY", Quantity: 50, TransactionType: "BUY"})
	c := IdempotencyKey("acct-a", domain.OpPlaceOrder, broker.OrderParams{TradingSymbol: "NIFTY", Quantity: 75, TransactionType: "BUY"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
