package api

import (
	"context"
	"net/http"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// HealthReporter reports aggregate self-health, satisfied by
// *internal/coordinator.Coordinator.
type HealthReporter interface {
	HealthStatus(ctx context.Context) (status string, deps map[string]string)
}

// SubscriptionCounter reports how many subscriptions are currently active,
// satisfied by *internal/store.Store.
type SubscriptionCounter interface {
	ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

type healthHandler struct {
	reporter HealthReporter
	store    SubscriptionCounter
}

// handleHealth implements GET /health: unauthenticated, intended for load
// balancer probes per spec.md §6.
func (h *healthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, deps := h.reporter.HealthStatus(r.Context())

	active := 0
	if subs, err := h.store.ActiveSubscriptions(r.Context()); err == nil {
		active = len(subs)
	}

	body := domain.HealthStatus{
		Status:              domain.HealthLevel(status),
		Deps:                deps,
		ActiveSubscriptions: active,
	}
	code := http.StatusOK
	if body.Status == domain.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// handleMetrics implements GET /metrics, unauthenticated per spec.md §6.
func handleMetrics() http.Handler { return metrics.Handler() }
