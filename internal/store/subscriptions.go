package store

import (
	"context"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// UpsertSubscription inserts or updates a subscription keyed by token.
func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO instrument_subscriptions (token, symbol, segment, status, requested_mode, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now(), now())
		ON CONFLICT (token) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			segment = EXCLUDED.segment,
			status = EXCLUDED.status,
			requested_mode = EXCLUDED.requested_mode,
			updated_at = now()`,
		sub.Token, sub.Symbol, string(sub.Segment), string(sub.Status), string(sub.RequestedMode), sub.AccountID)
	if err != nil {
		return apperr.Store(err, "upsert subscription %d", sub.Token)
	}
	return nil
}

// SoftDeleteSubscription marks a subscription inactive rather than
// deleting its row, per spec.md's DELETE /subscriptions/{token} semantics.
func (s *Store) SoftDeleteSubscription(ctx context.Context, token uint32) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE instrument_subscriptions SET status = $1, updated_at = now() WHERE token = $2`,
		string(domain.SubscriptionInactive), token)
	if err != nil {
		return apperr.Store(err, "soft-delete subscription %d", token)
	}
	return nil
}

// ActiveSubscriptions loads every subscription whose status is active, for
// the reconciler's desired-state computation.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return s.subscriptionsWhere(ctx, `status = $1`, string(domain.SubscriptionActive))
}

// SubscriptionsFiltered loads subscriptions matching an optional status
// filter, for GET /subscriptions?status=.
func (s *Store) SubscriptionsFiltered(ctx context.Context, status string) ([]domain.Subscription, error) {
	if status == "" {
		return s.subscriptionsWhere(ctx, `TRUE`)
	}
	return s.subscriptionsWhere(ctx, `status = $1`, status)
}

func (s *Store) subscriptionsWhere(ctx context.Context, where string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT token, symbol, segment, status, requested_mode, COALESCE(account_id, ''), created_at, updated_at
		FROM instrument_subscriptions WHERE `+where, args...)
	if err != nil {
		return nil, apperr.Store(err, "query subscriptions")
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var segment, status, mode string
		if err := rows.Scan(&sub.Token, &sub.Symbol, &segment, &status, &mode, &sub.AccountID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, apperr.Store(err, "scan subscription")
		}
		sub.Segment = domain.Segment(segment)
		sub.Status = domain.SubscriptionStatus(status)
		sub.RequestedMode = domain.SubscriptionMode(mode)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AssignAccount persists the account a subscription was placed on by the
// reconciler.
func (s *Store) AssignAccount(ctx context.Context, token uint32, accountID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE instrument_subscriptions SET account_id = $1, updated_at = now() WHERE token = $2`,
		accountID, token)
	if err != nil {
		return apperr.Store(err, "assign account for subscription %d", token)
	}
	return nil
}
