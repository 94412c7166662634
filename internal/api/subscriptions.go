package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// SubscriptionStore is the persistence surface subscriptionHandler needs,
// satisfied by *internal/store.Store.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub domain.Subscription) error
	SoftDeleteSubscription(ctx context.Context, token uint32) error
	SubscriptionsFiltered(ctx context.Context, status string) ([]domain.Subscription, error)
}

// Requeuer schedules a debounced reconciler pass, satisfied by
// *internal/reloader.Reloader.
type Requeuer interface {
	Trigger()
}

// InstrumentResolver validates a subscription request names a known
// token and accepts a fresh snapshot on admin refresh, satisfied by
// *internal/instruments.Registry.
type InstrumentResolver interface {
	Resolve(token uint32) (domain.Instrument, bool)
	Load(list []domain.Instrument)
}

type subscriptionHandler struct {
	store     SubscriptionStore
	registry  InstrumentResolver
	requeue   Requeuer
}

type subscriptionRequest struct {
	Token     uint32 `json:"token"`
	Mode      string `json:"mode"`
	AccountID string `json:"accountId"`
}

// handleCreate implements POST /subscriptions: upsert the desired row and
// trigger the debounced reconciler so the new token is assigned a live
// connection on its next pass.
func (h *subscriptionHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.Token == 0 {
		writeError(w, r, apperr.Validation("token is required"))
		return
	}
	inst, ok := h.registry.Resolve(req.Token)
	if !ok {
		writeError(w, r, apperr.Validation("unknown instrument token %d", req.Token))
		return
	}

	mode := domain.SubscriptionMode(req.Mode)
	if mode == "" {
		mode = domain.ModeFull
	}

	sub := domain.Subscription{
		Token:         req.Token,
		Symbol:        inst.Symbol,
		Segment:       inst.Segment,
		Status:        domain.SubscriptionActive,
		RequestedMode: mode,
		AccountID:     req.AccountID,
	}
	if err := h.store.UpsertSubscription(r.Context(), sub); err != nil {
		writeError(w, r, err)
		return
	}
	h.requeue.Trigger()

	writeJSON(w, http.StatusCreated, map[string]any{"token": req.Token})
}

// handleList implements GET /subscriptions?status=.
func (h *subscriptionHandler) handleList(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.SubscriptionsFiltered(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// handleDelete implements DELETE /subscriptions/{token}: a soft delete, per
// spec.md — the row flips to inactive rather than being removed, so the
// reconciler's next pass unsubscribes it from whatever account holds it.
func (h *subscriptionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseUint(r.PathValue("token"), 10, 32)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid token %q", r.PathValue("token")))
		return
	}
	if err := h.store.SoftDeleteSubscription(r.Context(), uint32(token)); err != nil {
		writeError(w, r, err)
		return
	}
	h.requeue.Trigger()
	w.WriteHeader(http.StatusNoContent)
}
