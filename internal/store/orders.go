package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// CreateOrderTask inserts a new task, or returns the existing one if its
// idempotency key was already seen (spec step "if an OrderTask with this key
// exists, return it"). The second return value reports whether the task was
// newly created.
func (s *Store) CreateOrderTask(ctx context.Context, t domain.OrderTask) (domain.OrderTask, bool, error) {
	if existing, ok, err := s.OrderTaskByIdempotencyKey(ctx, t.IdempotencyKey); err != nil {
		return domain.OrderTask{}, false, err
	} else if ok {
		return existing, false, nil
	}

	params, err := json.Marshal(t.Params)
	if err != nil {
		return domain.OrderTask{}, false, apperr.Internal(err, "marshal order task params")
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO order_tasks (task_id, idempotency_key, operation, params, account_id, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		t.TaskID, t.IdempotencyKey, string(t.Operation), params, t.AccountID, string(domain.OrderPending), t.MaxAttempts)
	if err != nil {
		return domain.OrderTask{}, false, apperr.Store(err, "insert order task %s", t.IdempotencyKey)
	}

	created, ok, err := s.OrderTaskByIdempotencyKey(ctx, t.IdempotencyKey)
	if err != nil {
		return domain.OrderTask{}, false, err
	}
	if !ok {
		return domain.OrderTask{}, false, apperr.New(apperr.CodeInternal, "order task "+t.IdempotencyKey+" vanished after insert")
	}
	return created, true, nil
}

// OrderTaskByIdempotencyKey looks up a task by its client-supplied
// idempotency key, used both for dedupe on submission and for status polling.
func (s *Store) OrderTaskByIdempotencyKey(ctx context.Context, key string) (domain.OrderTask, bool, error) {
	return s.orderTaskWhere(ctx, `idempotency_key = $1`, key)
}

// OrderTask looks up a task by its internal task ID.
func (s *Store) OrderTask(ctx context.Context, taskID string) (domain.OrderTask, bool, error) {
	return s.orderTaskWhere(ctx, `task_id = $1`, taskID)
}

func (s *Store) orderTaskWhere(ctx context.Context, where string, arg any) (domain.OrderTask, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT task_id, idempotency_key, operation, params, account_id, status,
		       attempts, max_attempts, COALESCE(last_error, ''), result, created_at, updated_at
		FROM order_tasks WHERE `+where, arg)

	var t domain.OrderTask
	var operation, status string
	var params, result []byte
	err := row.Scan(&t.TaskID, &t.IdempotencyKey, &operation, &params, &t.AccountID, &status,
		&t.Attempts, &t.MaxAttempts, &t.LastError, &result, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return domain.OrderTask{}, false, nil
		}
		return domain.OrderTask{}, false, apperr.Store(err, "query order task")
	}

	t.Operation = domain.OrderOperation(operation)
	t.Status = domain.OrderStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return domain.OrderTask{}, false, apperr.Internal(err, "unmarshal order task params")
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return domain.OrderTask{}, false, apperr.Internal(err, "unmarshal order task result")
		}
	}
	return t, true, nil
}

// PendingOrderTasks loads tasks ready for worker pickup: pending or
// retrying, oldest first.
func (s *Store) PendingOrderTasks(ctx context.Context, limit int) ([]domain.OrderTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT task_id, idempotency_key, operation, params, account_id, status,
		       attempts, max_attempts, COALESCE(last_error, ''), result, created_at, updated_at
		FROM order_tasks
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		string(domain.OrderPending), string(domain.OrderRetrying), limit)
	if err != nil {
		return nil, apperr.Store(err, "query pending order tasks")
	}
	defer rows.Close()

	var out []domain.OrderTask
	for rows.Next() {
		var t domain.OrderTask
		var operation, status string
		var params, result []byte
		if err := rows.Scan(&t.TaskID, &t.IdempotencyKey, &operation, &params, &t.AccountID, &status,
			&t.Attempts, &t.MaxAttempts, &t.LastError, &result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.Store(err, "scan order task")
		}
		t.Operation = domain.OrderOperation(operation)
		t.Status = domain.OrderStatus(status)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &t.Params); err != nil {
				return nil, apperr.Internal(err, "unmarshal order task params")
			}
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &t.Result); err != nil {
				return nil, apperr.Internal(err, "unmarshal order task result")
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateOrderTaskStatus transitions a task's status and attempt/error state,
// used after each worker execution attempt.
func (s *Store) UpdateOrderTaskStatus(ctx context.Context, taskID string, status domain.OrderStatus, attempts uint32, lastErr string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE order_tasks
		SET status = $2, attempts = $3, last_error = NULLIF($4, ''), updated_at = now()
		WHERE task_id = $1`,
		taskID, string(status), attempts, lastErr)
	if err != nil {
		return apperr.Store(err, "update order task %s status", taskID)
	}
	return nil
}

// CompleteOrderTask records a successful execution result and marks the
// task Completed.
func (s *Store) CompleteOrderTask(ctx context.Context, taskID string, result map[string]any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return apperr.Internal(err, "marshal order task result")
	}
	_, err = s.Pool.Exec(ctx, `
		UPDATE order_tasks
		SET status = $2, result = $3, updated_at = now()
		WHERE task_id = $1`,
		taskID, string(domain.OrderCompleted), body)
	if err != nil {
		return apperr.Store(err, "complete order task %s", taskID)
	}
	return nil
}

// PruneTerminalOrderTasks deletes terminal tasks older than the retention
// window, bounding table growth.
func (s *Store) PruneTerminalOrderTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM order_tasks
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(domain.OrderCompleted), string(domain.OrderFailed), string(domain.OrderDeadLetter), cutoff)
	if err != nil {
		return 0, apperr.Store(err, "prune terminal order tasks")
	}
	return tag.RowsAffected(), nil
}
