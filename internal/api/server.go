// Package api exposes the gateway's REST and WebSocket surface described
// in spec.md §6: subscription management, order submission, historical
// candles, health/metrics, and an admin-gated instrument refresh / dead
// letter replay, all grounded on the teacher's internal/api/handlers
// package layout (one file per resource group).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/identity"
	"github.com/epic1st/optionstream/backend/internal/instruments"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// Config controls how the HTTP surface is exposed.
type Config struct {
	Addr           string
	Environment    string
	AllowedOrigins []string
}

// Dependencies bundles every collaborator the REST/WS surface calls into.
// Each field is the narrow interface the relevant handler file declares,
// satisfied in practice by the coordinator's concrete collaborators.
type Dependencies struct {
	Subscriptions  SubscriptionStore
	Registry       InstrumentResolver
	SeedFile       string
	Orders         OrderSubmitter
	DeadLetters    DeadLetterReplayer
	Sessions       HistoryClient
	Reload         Requeuer
	Verifier       *identity.Verifier
	Admin          *identity.AdminAuthenticator
	Health         HealthReporter
	ActiveCounter  SubscriptionCounter
	Hub            WebSocketHub
}

// WebSocketHub is the client fan-out surface, satisfied by
// *internal/hub.Hub.
type WebSocketHub interface {
	ServeWs(w http.ResponseWriter, r *http.Request)
}

// Server owns the HTTP listener and route table. internal/coordinator
// owns every other process lifecycle concern; Server's Run only bounds
// the HTTP surface itself.
type Server struct {
	cfg  Config
	http *http.Server
}

// NewServer builds the route table and middleware chain. registryReloader
// reads SeedFile fresh on every /admin/instrument-refresh call, so an
// operator can update the file on disk and refresh without a restart.
func NewServer(cfg Config, deps Dependencies) *Server {
	mux := http.NewServeMux()

	subs := &subscriptionHandler{store: deps.Subscriptions, registry: deps.Registry, requeue: deps.Reload}
	ord := &orderHandler{orders: deps.Orders}
	hist := &historyHandler{sessions: deps.Sessions}
	health := &healthHandler{reporter: deps.Health, store: deps.ActiveCounter}
	admin := &adminHandler{
		instruments: registryReloader{registry: deps.Registry, seedFile: deps.SeedFile},
		orders:      deps.DeadLetters,
		audit:       auditLog,
	}

	// metered wraps a handler in per-endpoint request-count/latency
	// recording. It sits inside the auth/admin gating, so requests rejected
	// there are not recorded and the gating time is not included.
	metered := func(endpoint string, h http.HandlerFunc) http.HandlerFunc {
		return metrics.APIRequestMiddleware(endpoint, h)
	}

	mux.HandleFunc("GET /health", metered("health", health.handleHealth))
	mux.Handle("GET /metrics", handleMetrics())

	authed := authMiddleware(deps.Verifier)
	mux.Handle("POST /subscriptions", authed(metered("subscriptions_create", subs.handleCreate)))
	mux.Handle("GET /subscriptions", authed(metered("subscriptions_list", subs.handleList)))
	mux.Handle("DELETE /subscriptions/{token}", authed(metered("subscriptions_delete", subs.handleDelete)))

	mux.Handle("POST /orders/regular", authed(metered("orders_place", ord.handlePlace)))
	mux.Handle("PUT /orders/regular/{id}", authed(metered("orders_modify", ord.handleModify)))
	mux.Handle("DELETE /orders/regular/{id}", authed(metered("orders_cancel", ord.handleCancel)))

	mux.Handle("GET /history", authed(metered("history", hist.handleHistory)))

	adminProtected := adminMiddleware(deps.Admin)
	mux.Handle("POST /admin/instrument-refresh", adminProtected(metered("admin_instrument_refresh", admin.handleInstrumentRefresh)))
	mux.Handle("POST /admin/orders/{id}/replay", adminProtected(metered("admin_dead_letter_replay", admin.handleReplayDeadLetter)))

	mux.HandleFunc("GET /ws/ticks", deps.Hub.ServeWs)

	var handler http.Handler = mux
	handler = securityHeadersMiddleware(handler)
	handler = corsMiddleware(cfg.AllowedOrigins)(handler)
	handler = httpsRedirectMiddleware(cfg.Environment)(handler)
	handler = environmentMiddleware(cfg.Environment)(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP listener and blocks until it stops or ctx is
// cancelled, mirroring the bounded-drain shutdown discipline
// internal/coordinator applies to its own background units.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api server listening", logging.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// registryReloader adapts InstrumentResolver's registry plus a seed-file
// path into the admin handler's InstrumentLoader.
type registryReloader struct {
	registry InstrumentResolver
	seedFile string
}

func (r registryReloader) Reload() (int, error) {
	if r.seedFile == "" {
		return 0, fmt.Errorf("no instrument seed file configured")
	}
	list, err := instruments.LoadSeedFile(r.seedFile)
	if err != nil {
		return 0, err
	}
	r.registry.Load(list)
	return len(list), nil
}

func auditLog(e domain.AuditEvent) {
	logging.Info("admin action",
		logging.String("action", e.Action), logging.String("actor", e.Actor), logging.String("detail", e.Detail))
}
