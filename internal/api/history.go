package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// HistoryClient fetches historical candles from whichever account holds a
// live upstream session, satisfied by *internal/broker.Orchestrator.
// History is read-only and account-agnostic from the caller's point of
// view, so the handler picks any available session.
type HistoryClient interface {
	AvailableAccounts(ctx context.Context) ([]domain.TradingAccount, error)
	UpstreamClientFor(accountID string) (broker.UpstreamClient, bool)
}

type historyHandler struct {
	sessions HistoryClient
}

// handleHistory implements GET /history?token=&from=&to=&interval=&oi=.
// Greeks enrichment per spec.md §4.7 applies to the live tick stream; this
// endpoint serves raw historical candles only (see DESIGN.md: per-candle
// spot reconstruction needed for historical Greeks is out of scope).
func (h *historyHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	token, err := strconv.ParseUint(tokenStr, 10, 32)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid token %q", tokenStr))
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1d"
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"), time.Now().AddDate(0, 0, -30))
	if err != nil {
		writeError(w, r, apperr.Validation("invalid from: %v", err))
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		writeError(w, r, apperr.Validation("invalid to: %v", err))
		return
	}

	accounts, err := h.sessions.AvailableAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(accounts) == 0 {
		writeError(w, r, apperr.New(apperr.CodeUpstreamTransient, "no trading account with a live session"))
		return
	}
	client, ok := h.sessions.UpstreamClientFor(accounts[0].AccountID)
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeUpstreamTransient, "no upstream client for account "+accounts[0].AccountID))
		return
	}

	candles, err := client.HistoricalCandles(r.Context(), uint32(token), from, to, interval)
	if err != nil {
		writeError(w, r, apperr.UpstreamTransient(err, "fetch historical candles"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candles": candles})
}

func parseTimeParam(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}
