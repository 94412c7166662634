package broker

import (
	"context"
	"sync"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/breaker"
	"github.com/epic1st/optionstream/backend/internal/credstore"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// AccountStore is the subset of internal/store the session orchestrator
// needs, kept narrow so this package stays free of a direct store import
// in its exported surface.
type AccountStore interface {
	TradingAccounts(ctx context.Context) ([]domain.TradingAccount, error)
}

// Session is one account's decrypted credentials, REST client and
// circuit breaker, held only in memory.
type Session struct {
	Account domain.TradingAccount
	REST    UpstreamClient
	Breaker *breaker.Breaker
}

// Orchestrator implements SessionOrchestrator: it loads TradingAccounts
// from the store, decrypts their credentials, and keeps one REST client
// and breaker alive per account for the reconciler and order engine.
type Orchestrator struct {
	store      AccountStore
	creds      *credstore.Store
	restConfig RESTClientConfig
	wsConfig   WSClientConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewOrchestrator wires a store, the credential decryptor, and the base
// REST/WS config shared by every account (base URL, timeouts); per-account
// credentials are layered on at session build time.
func NewOrchestrator(store AccountStore, creds *credstore.Store, restConfig RESTClientConfig, wsConfig WSClientConfig) *Orchestrator {
	return &Orchestrator{
		store:      store,
		creds:      creds,
		restConfig: restConfig,
		wsConfig:   wsConfig,
		sessions:   make(map[string]*Session),
	}
}

// AvailableAccounts returns every TradingAccount whose breaker is not
// Open, refreshing sessions from the store first.
func (o *Orchestrator) AvailableAccounts(ctx context.Context) ([]domain.TradingAccount, error) {
	accounts, err := o.store.TradingAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var available []domain.TradingAccount
	for _, a := range accounts {
		sess, err := o.sessionFor(a)
		if err != nil {
			continue
		}
		if sess.Breaker.State() != breaker.Open {
			available = append(available, a)
		}
	}
	return available, nil
}

// UpstreamClientFor returns the live REST client for an account. It does
// not build a session: it reports false until AvailableAccounts or
// WSConfigFor has built one for accountID.
func (o *Orchestrator) UpstreamClientFor(accountID string) (UpstreamClient, bool) {
	o.mu.RLock()
	sess, ok := o.sessions[accountID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.REST, true
}

// BreakerFor exposes an account's breaker so the order engine can record
// per-account success/failure around each upstream call.
func (o *Orchestrator) BreakerFor(accountID string) (*breaker.Breaker, bool) {
	o.mu.RLock()
	sess, ok := o.sessions[accountID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.Breaker, true
}

// WSConfigFor returns a ready-to-dial WSClientConfig for accountID, its
// credentials decrypted from the store-backed session the way
// UpstreamClientFor's REST client is. Used by the pool manager to build a
// pool.Dialer lazily, on an account's first subscription.
func (o *Orchestrator) WSConfigFor(ctx context.Context, accountID string) (WSClientConfig, bool) {
	accounts, err := o.store.TradingAccounts(ctx)
	if err != nil {
		return WSClientConfig{}, false
	}
	for _, a := range accounts {
		if a.AccountID != accountID {
			continue
		}
		if _, err := o.sessionFor(a); err != nil {
			return WSClientConfig{}, false
		}
		apiKey, err := o.creds.DecryptString(a.APIKeyEnc)
		if err != nil {
			return WSClientConfig{}, false
		}
		accessToken, err := o.creds.DecryptString(a.AccessTokenEnc)
		if err != nil {
			return WSClientConfig{}, false
		}
		cfg := o.wsConfig
		cfg.APIKey = apiKey
		cfg.AccessToken = accessToken
		return cfg, true
	}
	return WSClientConfig{}, false
}

func (o *Orchestrator) sessionFor(a domain.TradingAccount) (*Session, error) {
	o.mu.RLock()
	sess, ok := o.sessions[a.AccountID]
	o.mu.RUnlock()
	if ok {
		return sess, nil
	}

	apiKey, err := o.creds.DecryptString(a.APIKeyEnc)
	if err != nil {
		return nil, apperr.Auth("decrypt api key for account %s", a.AccountID)
	}
	accessToken, err := o.creds.DecryptString(a.AccessTokenEnc)
	if err != nil {
		return nil, apperr.Auth("decrypt access token for account %s", a.AccountID)
	}

	cfg := o.restConfig
	cfg.APIKey = apiKey
	cfg.AccessToken = accessToken

	sess = &Session{
		Account: a,
		REST:    NewRESTClient(cfg),
		Breaker: breaker.New("broker-"+a.AccountID, breaker.Config{}),
	}

	o.mu.Lock()
	o.sessions[a.AccountID] = sess
	o.mu.Unlock()

	return sess, nil
}
