package store

import (
	"context"
	"time"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// TradingAccounts loads every provisioned account, used at boot and by the
// reconciler's "available accounts" step.
func (s *Store) TradingAccounts(ctx context.Context) ([]domain.TradingAccount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT account_id, api_key_enc, api_secret_enc, access_token_enc,
		       COALESCE(totp_seed_enc, ''), rate_limit_remaining,
		       COALESCE(rate_limit_reset_at, now()), COALESCE(last_auth_at, now())
		FROM trading_accounts`)
	if err != nil {
		return nil, apperr.Store(err, "query trading accounts")
	}
	defer rows.Close()

	var out []domain.TradingAccount
	for rows.Next() {
		var a domain.TradingAccount
		if err := rows.Scan(&a.AccountID, &a.APIKeyEnc, &a.APISecretEnc, &a.AccessTokenEnc,
			&a.TOTPSeedEnc, &a.RateLimit.Remaining, &a.RateLimit.ResetAt, &a.LastAuthAt); err != nil {
			return nil, apperr.Store(err, "scan trading account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertTradingAccount provisions or updates an account's encrypted
// credentials. Called administratively, never from the tick/order path.
func (s *Store) UpsertTradingAccount(ctx context.Context, a domain.TradingAccount) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO trading_accounts (account_id, api_key_enc, api_secret_enc, access_token_enc, totp_seed_enc)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (account_id) DO UPDATE SET
			api_key_enc = EXCLUDED.api_key_enc,
			api_secret_enc = EXCLUDED.api_secret_enc,
			access_token_enc = EXCLUDED.access_token_enc,
			totp_seed_enc = EXCLUDED.totp_seed_enc`,
		a.AccountID, a.APIKeyEnc, a.APISecretEnc, a.AccessTokenEnc, a.TOTPSeedEnc)
	if err != nil {
		return apperr.Store(err, "upsert trading account %s", a.AccountID)
	}
	return nil
}

// RecordAuth updates an account's last-authenticated timestamp and
// observed rate-limit headroom after a successful upstream call.
func (s *Store) RecordAuth(ctx context.Context, accountID string, rl domain.RateLimitState, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE trading_accounts
		SET last_auth_at = $2, rate_limit_remaining = $3, rate_limit_reset_at = $4
		WHERE account_id = $1`,
		accountID, at, rl.Remaining, rl.ResetAt)
	if err != nil {
		return apperr.Store(err, "record auth for account %s", accountID)
	}
	return nil
}
