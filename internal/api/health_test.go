package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/domain"
)

type fakeHealthReporter struct {
	status string
	deps   map[string]string
}

func (f *fakeHealthReporter) HealthStatus(context.Context) (string, map[string]string) {
	return f.status, f.deps
}

type fakeSubscriptionCounter struct {
	subs []domain.Subscription
	err  error
}

func (f *fakeSubscriptionCounter) ActiveSubscriptions(context.Context) ([]domain.Subscription, error) {
	return f.subs, f.err
}

func TestHealthHandler_HandleHealthOK(t *testing.T) {
	h := &healthHandler{
		reporter: &fakeHealthReporter{status: string(domain.HealthOK), deps: map[string]string{"store": "ok", "pubsub": "ok"}},
		store:    &fakeSubscriptionCounter{subs: []domain.Subscription{{Token: 1}, {Token: 2}}},
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out domain.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, domain.HealthOK, out.Status)
	assert.Equal(t, 2, out.ActiveSubscriptions)
}

func TestHealthHandler_HandleHealthCriticalReturns503(t *testing.T) {
	h := &healthHandler{
		reporter: &fakeHealthReporter{status: string(domain.HealthCritical), deps: map[string]string{"store": "down"}},
		store:    &fakeSubscriptionCounter{},
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.handleHealth(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
