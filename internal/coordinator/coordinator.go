// Package coordinator wires every other package into a running gateway
// process: it owns the boot order, the supervised background units, and
// the bounded-drain shutdown sequence described in spec.md §4.13.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/epic1st/optionstream/backend/internal/bars"
	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/config"
	"github.com/epic1st/optionstream/backend/internal/credstore"
	"github.com/epic1st/optionstream/backend/internal/greeks"
	"github.com/epic1st/optionstream/backend/internal/hub"
	"github.com/epic1st/optionstream/backend/internal/identity"
	"github.com/epic1st/optionstream/backend/internal/instruments"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
	"github.com/epic1st/optionstream/backend/internal/mockdata"
	"github.com/epic1st/optionstream/backend/internal/orders"
	"github.com/epic1st/optionstream/backend/internal/pool"
	"github.com/epic1st/optionstream/backend/internal/pubsub"
	"github.com/epic1st/optionstream/backend/internal/reconciler"
	"github.com/epic1st/optionstream/backend/internal/reloader"
	"github.com/epic1st/optionstream/backend/internal/store"
	"github.com/epic1st/optionstream/backend/internal/supervisor"
	"github.com/epic1st/optionstream/backend/internal/ticks"
)

// shutdownDrain bounds each of Shutdown's two waits (the order engine's
// current tasks, then the supervised units) before it gives up and closes
// the stores out from under anything still running.
const shutdownDrain = 30 * time.Second

// Coordinator owns every long-lived collaborator in the gateway and the
// order they come up and go down in. Nothing outside cmd/server should
// construct these collaborators directly.
type Coordinator struct {
	cfg *config.Config

	Store     *store.Store
	Creds     *credstore.Store
	Registry  *instruments.Registry
	Sessions  *broker.Orchestrator
	Pools     *poolManager
	Publisher *pubsub.RedisPublisher
	Pipeline  *ticks.Pipeline
	Bars      *bars.Aggregator
	Reconcile *reconciler.Reconciler
	Reload    *reloader.Reloader
	Hub       *hub.Hub
	Orders    *orders.Engine
	MockGen   *mockdata.Generator
	MockClock *mockdata.Clock
	MockDrv   *mockdata.Driver
	Verifier  *identity.Verifier
	Admin     *identity.AdminAuthenticator

	sup    *supervisor.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// New returns an unbooted Coordinator bound to cfg.
func New(cfg *config.Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Boot brings every component up in this order: configuration (already
// loaded by the caller) -> supervisor group (C3) -> persistent stores
// (schema verified) -> instrument registry -> session orchestrator ->
// publisher (C2) -> C8 -> C7 -> C5 (empty, lazy) -> C12 (when enabled) ->
// C10 -> C9 and its reloader (C4) -> C11 -> C9's initial reconcile ->
// ready. C8 is built before C7 and C7 before C5 because each is handed to
// the next as its sink; C5 therefore does not come up ahead of C7 and
// C8. ctx bounds the boot
// sequence itself (store dial, migrations, initial reconcile); the
// background units it launches run against their own internally-held
// context until Shutdown cancels it.
func (c *Coordinator) Boot(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.cancel = cancel
	c.sup = supervisor.NewGroup(runCtx)

	st, err := store.Open(ctx, store.Config{
		Host: c.cfg.Database.Host, Port: c.cfg.Database.Port, Name: c.cfg.Database.Name,
		User: c.cfg.Database.User, Password: c.cfg.Database.Password, SSLMode: c.cfg.Database.SSLMode,
		MaxConns: c.cfg.Database.MaxConns, MinConns: c.cfg.Database.MinConns,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("open store: %w", err)
	}
	c.Store = st

	if err := store.NewMigrator(st).Up(ctx); err != nil {
		cancel()
		return fmt.Errorf("apply schema migrations: %w", err)
	}

	c.Registry = instruments.New()
	if c.cfg.InstrumentSeedFile != "" {
		list, err := instruments.LoadSeedFile(c.cfg.InstrumentSeedFile)
		if err != nil {
			cancel()
			return fmt.Errorf("load instrument seed: %w", err)
		}
		c.Registry.Load(list)
		logging.Info("instrument registry loaded", logging.Int("count", c.Registry.Len()))
	} else {
		logging.Warn("no INSTRUMENT_SEED_FILE configured, booting with an empty instrument registry")
	}

	c.Creds = credstore.New(c.cfg.Encryption.MasterKey)
	c.Sessions = broker.NewOrchestrator(c.Store, c.Creds,
		broker.RESTClientConfig{BaseURL: c.cfg.Broker.RESTBaseURL, Timeout: 10 * time.Second},
		broker.WSClientConfig{URL: c.cfg.Broker.WSBaseURL},
	)

	c.Publisher = pubsub.NewRedisPublisher(
		fmt.Sprintf("%s:%s", c.cfg.Redis.Host, c.cfg.Redis.Port),
		c.cfg.Redis.Password, c.cfg.Redis.DB,
		pubsub.Config{}, metrics.Publish,
	)

	// C5 boots with no connections; pools are created lazily by the pool
	// manager the first time the reconciler assigns an account a token.
	c.Bars = bars.New(bars.Config{Interval: time.Duration(c.cfg.Bars.IntervalSeconds) * time.Second}, c.Publisher)

	loc, err := time.LoadLocation(c.cfg.Greeks.MarketTZ)
	if err != nil {
		loc = time.UTC
		logging.Warn("invalid OPTION_GREEKS_MARKET_TZ, defaulting to UTC", logging.String("value", c.cfg.Greeks.MarketTZ))
	}
	c.Pipeline = ticks.New(ticks.Config{
		Greeks: ticks.GreeksConfig{
			InterestRate:  c.cfg.Greeks.InterestRate,
			DividendYield: c.cfg.Greeks.DividendYield,
			IVMin:         c.cfg.Greeks.IVMin,
			IVMax:         c.cfg.Greeks.IVMax,
			IVOnFailure:   ivPolicyFromString(c.cfg.Greeks.IVOnFailure),
			ExpiryHour:    c.cfg.Greeks.ExpiryHour,
			MarketTZ:      loc,
		},
		Batch: ticks.BatchConfig{
			Enabled: c.cfg.TickBatch.Enabled,
			MaxSize: c.cfg.TickBatch.MaxSize,
			Window:  time.Duration(c.cfg.TickBatch.WindowMs) * time.Millisecond,
		},
	}, c.Registry, c.Publisher, c.Bars)

	c.Pools = newPoolManager(runCtx, pool.Config{
		MaxPerConn:         c.cfg.Pool.MaxInstrumentsPerConn,
		MaxConnsPerAccount: c.cfg.Pool.MaxConnsPerAccount,
		StallTimeout:       c.cfg.Pool.StallTimeout,
		HealthInterval:     c.cfg.Pool.HealthCheckInterval,
	}, c.Sessions, c.Pipeline.Handle, c.sup)

	if c.cfg.Mock.Enabled {
		clock, err := mockdata.NewClock(c.cfg.Greeks.MarketTZ, c.cfg.Mock.MarketOpen, c.cfg.Mock.MarketClose)
		if err != nil {
			cancel()
			return fmt.Errorf("build mock market clock: %w", err)
		}
		c.MockClock = clock
		c.MockGen = mockdata.New(mockdata.Config{
			MaxSize: c.cfg.Mock.MaxSize, PriceVarBps: c.cfg.Mock.PriceVarBps,
			VolVarPct: c.cfg.Mock.VolVarPct, CleanupInterval: c.cfg.Mock.CleanupInterval,
			TickInterval: c.cfg.Mock.TickInterval,
		}, c.Registry)
		c.MockDrv = mockdata.NewDriver(mockdata.Config{
			TickInterval: c.cfg.Mock.TickInterval, CleanupInterval: c.cfg.Mock.CleanupInterval,
		}, c.MockGen, c.MockClock, c.Store, c.Pipeline.Handle)
		c.sup.Go("mockdata-driver", func(ctx context.Context) error {
			c.MockDrv.Run(ctx)
			return nil
		})
	}

	c.Verifier = identity.NewVerifier([]byte(c.cfg.JWT.Secret), nil)
	if c.cfg.AdminPasswordHash != "" {
		c.Admin = identity.NewAdminAuthenticator(c.cfg.AdminPasswordHash)
	}

	c.Hub = hub.New(hub.Config{}, c.Verifier, c.Publisher)
	c.sup.Go("hub", func(ctx context.Context) error {
		c.Hub.Run(ctx)
		return nil
	})

	accountCap := pool.Config{
		MaxPerConn: c.cfg.Pool.MaxInstrumentsPerConn, MaxConnsPerAccount: c.cfg.Pool.MaxConnsPerAccount,
	}.AccountTokenCap()
	c.Reconcile = reconciler.New(c.Store, c.Sessions, c.Pools, accountCap)
	c.Reload = reloader.New(500*time.Millisecond, 2*time.Second, func() { c.Reconcile.Reconcile(runCtx) })
	c.Reconcile.SetRequeue(c.Reload.Trigger)

	c.Orders = orders.New(orders.Config{
		Workers: c.cfg.Orders.Workers, MaxAttempts: uint32(c.cfg.Orders.MaxAttempts),
		BackoffBase: c.cfg.Orders.BaseBackoff, BackoffMax: c.cfg.Orders.MaxBackoff,
	}, c.Store, c.Sessions)
	c.Orders.Start(runCtx)

	c.Reconcile.Reconcile(ctx)

	logging.Info("coordinator boot complete",
		logging.Int("instruments", c.Registry.Len()),
		logging.Bool("mock_data_enabled", c.cfg.Mock.Enabled))
	return nil
}

// Shutdown stops the reloader, cancels the run context the supervised
// units (hub, mock driver, pool health loops) run under, closes every
// account pool's connections, waits for the order engine's in-flight
// workers, waits for the supervised units, then closes the publisher and
// the store. Each wait is bounded by shutdownDrain; ctx cuts only the
// order-engine wait short. C7's batcher is not flushed: snapshots still
// buffered are published only if their window timer fires before the
// publisher is closed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	logging.Info("coordinator shutdown starting")

	if c.Reload != nil {
		c.Reload.Stop()
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.Pools != nil {
		c.Pools.StopAll()
	}

	drained := make(chan struct{})
	go func() {
		if c.Orders != nil {
			c.Orders.Stop()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDrain):
		logging.Warn("shutdown: order engine drain timed out", logging.Duration(float64(shutdownDrain.Milliseconds())))
	case <-ctx.Done():
	}

	if c.sup != nil {
		waitDone := make(chan struct{})
		go func() { c.sup.Wait(); close(waitDone) }()
		select {
		case <-waitDone:
		case <-time.After(shutdownDrain):
			logging.Warn("shutdown: supervised units did not quiesce in time")
		}
	}

	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			logging.Warn("shutdown: close publisher failed", logging.Err(err))
		}
	}
	if c.Store != nil {
		c.Store.Close()
	}

	logging.Info("coordinator shutdown complete")
	return nil
}

func ivPolicyFromString(s string) greeks.IVFailurePolicy {
	switch s {
	case "nan":
		return greeks.IVFailureNaN
	case "sentinel", "boundary":
		return greeks.IVFailureBoundary
	default:
		return greeks.IVFailureZero
	}
}

// HealthStatus reports aggregate self-health for the /health endpoint,
// grounded on spec.md §6's health response shape.
func (c *Coordinator) HealthStatus(ctx context.Context) (status string, deps map[string]string) {
	deps = make(map[string]string)

	if err := c.Store.Ping(ctx); err != nil {
		deps["store"] = "down"
	} else {
		deps["store"] = "ok"
	}

	if err := c.Publisher.Ping(ctx); err != nil {
		deps["pubsub"] = "down"
	} else {
		deps["pubsub"] = "ok"
	}

	status = "ok"
	for _, v := range deps {
		if v == "down" {
			status = "critical"
		} else if v == "degraded" && status == "ok" {
			status = "degraded"
		}
	}
	return status, deps
}
