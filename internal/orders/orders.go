// Package orders implements the idempotent order execution engine (C11):
// clients submit place/modify/cancel requests that are persisted once
// under an idempotency key, then drained by a worker pool that calls the
// upstream broker with per-account circuit breaking, exponential backoff
// on transient failures, and dead-letter classification once a task's
// attempts are exhausted.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/breaker"
	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// Store is the persistence surface the engine needs, satisfied by
// *internal/store.Store.
type Store interface {
	CreateOrderTask(ctx context.Context, t domain.OrderTask) (domain.OrderTask, bool, error)
	OrderTask(ctx context.Context, taskID string) (domain.OrderTask, bool, error)
	PendingOrderTasks(ctx context.Context, limit int) ([]domain.OrderTask, error)
	UpdateOrderTaskStatus(ctx context.Context, taskID string, status domain.OrderStatus, attempts uint32, lastErr string) error
	CompleteOrderTask(ctx context.Context, taskID string, result map[string]any) error
}

// SessionOrchestrator resolves the upstream client and breaker for the
// account a task is assigned to. Satisfied by *internal/broker.Orchestrator.
type SessionOrchestrator interface {
	UpstreamClientFor(accountID string) (broker.UpstreamClient, bool)
	BreakerFor(accountID string) (*breaker.Breaker, bool)
}

// Config controls worker pool size, poll cadence, and retry backoff.
type Config struct {
	Workers     int
	BatchSize   int
	PollInterval time.Duration
	MaxAttempts  uint32
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	return c
}

// Engine is the order execution worker pool. One dispatcher goroutine
// polls the store for pending/retrying tasks and claims each one (flips
// it to Running, keeping it out of the next poll) before handing it to
// the fixed-size worker pool over an in-memory channel.
type Engine struct {
	cfg      Config
	store    Store
	sessions SessionOrchestrator

	queue    chan domain.OrderTask
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Engine. Call Start to begin dispatching.
func New(cfg Config, store Store, sessions SessionOrchestrator) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		queue:    make(chan domain.OrderTask, cfg.BatchSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the dispatcher and worker goroutines. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.dispatch(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
}

// Stop signals the dispatcher to close the work queue and waits for every
// in-flight task to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Submit persists a new order task under an idempotency key, returning
// the existing task unchanged if the key was already seen. If
// idempotencyKey is empty, one is derived from the canonical fields of
// params so an accidental client retry with the same request body still
// dedupes.
func (e *Engine) Submit(ctx context.Context, accountID string, op domain.OrderOperation, params broker.OrderParams, idempotencyKey string) (domain.OrderTask, bool, error) {
	if idempotencyKey == "" {
		idempotencyKey = IdempotencyKey(accountID, op, params)
	}

	task := domain.OrderTask{
		TaskID:         uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Operation:      op,
		Params:         paramsToMap(params),
		AccountID:      accountID,
		MaxAttempts:    e.cfg.MaxAttempts,
	}
	return e.store.CreateOrderTask(ctx, task)
}

// ReplayDeadLetter resets a dead-lettered task back to Pending with its
// attempt count cleared, per the admin replay operation: the task
// re-enters the normal backoff ladder from attempt zero rather than
// resuming from its exhausted count.
func (e *Engine) ReplayDeadLetter(ctx context.Context, taskID string) error {
	t, ok, err := e.store.OrderTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation("order task %s not found", taskID)
	}
	if t.Status != domain.OrderDeadLetter {
		return apperr.Validation("order task %s is not dead-lettered", taskID)
	}
	return e.store.UpdateOrderTaskStatus(ctx, taskID, domain.OrderPending, 0, "")
}

// dispatch polls the store for pending/retrying tasks, claims each by
// flipping it to Running so a later poll in the same cycle never
// re-selects it, and hands it to the worker pool. It is the channel's
// sole writer and closer.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.queue)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	tasks, err := e.store.PendingOrderTasks(ctx, e.cfg.BatchSize)
	if err != nil {
		logging.Error("orders: poll pending tasks", err)
		return
	}
	metrics.SetOrderQueueDepth(len(tasks))

	for _, t := range tasks {
		if err := e.store.UpdateOrderTaskStatus(ctx, t.TaskID, domain.OrderRunning, t.Attempts, ""); err != nil {
			logging.Warn("orders: claim task failed", logging.String("task_id", t.TaskID), logging.Err(err))
			continue
		}
		select {
		case e.queue <- t:
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for t := range e.queue {
		e.execute(ctx, t)
	}
}

// execute runs one attempt of a task against the upstream broker, wrapped
// by the account's breaker, and routes the outcome to completion, retry,
// or dead-letter.
func (e *Engine) execute(ctx context.Context, t domain.OrderTask) {
	start := time.Now()

	client, ok := e.sessions.UpstreamClientFor(t.AccountID)
	if !ok {
		e.retryOrDeadLetter(ctx, t, apperr.New(apperr.CodeUpstreamTransient, "no upstream session for account "+t.AccountID))
		return
	}

	brk, hasBreaker := e.sessions.BreakerFor(t.AccountID)
	if hasBreaker && !brk.CanExecute() {
		e.retryOrDeadLetter(ctx, t, apperr.New(apperr.CodeUpstreamTransient, "breaker open for account "+t.AccountID))
		return
	}

	params := decodeParams(t.Params)
	var (
		result broker.OrderResult
		err    error
	)
	switch t.Operation {
	case domain.OpPlaceOrder:
		result, err = client.PlaceOrder(ctx, params)
	case domain.OpModifyOrder:
		result, err = client.ModifyOrder(ctx, params)
	case domain.OpCancelOrder:
		result, err = client.CancelOrder(ctx, params)
	default:
		err = apperr.Validation("unknown order operation %q", t.Operation)
	}

	if hasBreaker {
		if err != nil {
			brk.RecordFailure()
		} else {
			brk.RecordSuccess()
		}
	}
	metrics.ObserveOrderLatency(string(t.Operation), time.Since(start))

	if err != nil {
		e.retryOrDeadLetter(ctx, t, err)
		return
	}
	e.complete(ctx, t, result)
}

func (e *Engine) complete(ctx context.Context, t domain.OrderTask, result broker.OrderResult) {
	body := map[string]any{"order_id": result.OrderID, "raw": result.Raw}
	if err := e.store.CompleteOrderTask(ctx, t.TaskID, body); err != nil {
		logging.Error("orders: mark task complete", err, logging.String("task_id", t.TaskID))
		return
	}
	metrics.RecordOrder(string(t.Operation), string(domain.OrderCompleted))
}

// retryOrDeadLetter classifies cause: a non-retryable taxonomy code (or
// an exhausted attempt count) sends the task straight to a terminal
// state — Failed for a permanent upstream rejection, DeadLetter once
// retries are used up on an otherwise-transient fault. Anything else is
// scheduled to retry after an exponential backoff.
func (e *Engine) retryOrDeadLetter(ctx context.Context, t domain.OrderTask, cause error) {
	attempts := t.Attempts + 1

	if !isRetryable(cause) {
		logging.Warn("orders: task rejected permanently", logging.String("task_id", t.TaskID), logging.Err(cause))
		if err := e.store.UpdateOrderTaskStatus(ctx, t.TaskID, domain.OrderFailed, attempts, cause.Error()); err != nil {
			logging.Error("orders: mark task failed", err, logging.String("task_id", t.TaskID))
		}
		metrics.RecordOrder(string(t.Operation), string(domain.OrderFailed))
		return
	}

	if attempts >= t.MaxAttempts {
		logging.Warn("orders: task exhausted retries", logging.String("task_id", t.TaskID), logging.Err(cause))
		if err := e.store.UpdateOrderTaskStatus(ctx, t.TaskID, domain.OrderDeadLetter, attempts, cause.Error()); err != nil {
			logging.Error("orders: mark task dead-letter", err, logging.String("task_id", t.TaskID))
		}
		metrics.RecordOrder(string(t.Operation), string(domain.OrderDeadLetter))
		return
	}

	// The task stays Running (so the dispatcher's next poll does not
	// re-select it) until the backoff elapses, at which point it flips to
	// Retrying and becomes eligible for PendingOrderTasks again.
	delay := e.backoffFor(attempts)
	time.AfterFunc(delay, func() {
		if err := e.store.UpdateOrderTaskStatus(context.Background(), t.TaskID, domain.OrderRetrying, attempts, cause.Error()); err != nil {
			logging.Error("orders: mark task retrying", err, logging.String("task_id", t.TaskID))
		}
	})
	metrics.RecordOrder(string(t.Operation), string(domain.OrderRetrying))
}

// backoffFor implements backoff = min(baseBackoff * 2^(attempts-1), maxBackoff).
// attempts is always >= 1 here (callers pass t.Attempts+1).
func (e *Engine) backoffFor(attempts uint32) time.Duration {
	d := e.cfg.BackoffBase * time.Duration(uint64(1)<<(attempts-1))
	if d <= 0 || d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

// isRetryable reports whether cause's taxonomy code admits another
// attempt. Validation, auth and permanent-upstream rejections never
// retry; everything else, including an unclassified error, does.
func isRetryable(cause error) bool {
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		switch ae.Code {
		case apperr.CodeValidation, apperr.CodeAuth, apperr.CodeUpstreamPermanent:
			return false
		}
	}
	return true
}

// IdempotencyKey derives a stable key from the fields that define a
// unique broker request, so a client retrying the same place/modify/
// cancel call without its own key still dedupes against the original.
func IdempotencyKey(accountID string, op domain.OrderOperation, p broker.OrderParams) string {
	parts := []string{
		accountID, string(op), p.TradingSymbol, strconv.Itoa(p.Quantity), p.TransactionType,
		p.Exchange, p.Product, p.OrderType, strconv.FormatFloat(p.Price, 'f', -1, 64), p.OrderID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func paramsToMap(p broker.OrderParams) map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func decodeParams(m map[string]any) broker.OrderParams {
	var p broker.OrderParams
	b, err := json.Marshal(m)
	if err != nil {
		return p
	}
	_ = json.Unmarshal(b, &p)
	return p
}
