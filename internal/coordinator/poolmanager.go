package coordinator

import (
	"context"
	"sync"

	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/pool"
	"github.com/epic1st/optionstream/backend/internal/reconciler"
	"github.com/epic1st/optionstream/backend/internal/supervisor"
)

// sessionWSConfig is the narrow view of internal/broker.Orchestrator the
// pool manager needs to dial a new account's connections.
type sessionWSConfig interface {
	WSConfigFor(ctx context.Context, accountID string) (broker.WSClientConfig, bool)
}

// poolManager implements internal/reconciler.PoolManager: it creates one
// internal/pool.AccountPool per account the first time the reconciler
// asks for it (C5 boots empty per spec.md §4.13; pools come alive only
// once an account actually has subscriptions to carry).
type poolManager struct {
	ctx      context.Context
	cfg      pool.Config
	sessions sessionWSConfig
	handler  pool.TickHandler
	sup      *supervisor.Group

	mu    sync.Mutex
	pools map[string]*pool.AccountPool
}

func newPoolManager(ctx context.Context, cfg pool.Config, sessions sessionWSConfig, handler pool.TickHandler, sup *supervisor.Group) *poolManager {
	return &poolManager{
		ctx: ctx, cfg: cfg, sessions: sessions, handler: handler, sup: sup,
		pools: make(map[string]*pool.AccountPool),
	}
}

// PoolFor returns accountID's pool, creating and starting it on first
// use. The dialer is bound to whatever WS credentials the session
// orchestrator can resolve at creation time; an account with no resolvable
// session still gets a pool, whose connections fail to connect. The
// dialer is not rebuilt when credentials later become available.
func (m *poolManager) PoolFor(accountID string) reconciler.AccountPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[accountID]; ok {
		return p
	}

	wsCfg, ok := m.sessions.WSConfigFor(m.ctx, accountID)
	if !ok {
		logging.Warn("pool manager: no resolvable WS session yet", logging.String("account_id", accountID))
	}
	dial := broker.NewWSConn(wsCfg)

	p := pool.New(accountID, m.cfg, dial, m.handler)
	p.Start(m.ctx, m.sup)
	m.pools[accountID] = p
	return p
}

// StopAll closes every pool created so far, used during shutdown.
func (m *poolManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for accountID, p := range m.pools {
		logging.Info("stopping account pool", logging.String("account_id", accountID))
		p.Stop()
	}
}
