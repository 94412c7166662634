package api

import (
	"context"
	"net/http"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// InstrumentLoader reloads the instrument registry from its configured
// seed source, satisfied by server.go's registryReloader adapter (the
// registry itself only exposes Load([]domain.Instrument); reading the
// seed file is internal/instruments.LoadSeedFile, called by the adapter).
type InstrumentLoader interface {
	Reload() (int, error)
}

// DeadLetterReplayer resets a dead-lettered order task back to pending,
// satisfied by *internal/orders.Engine.
type DeadLetterReplayer interface {
	ReplayDeadLetter(ctx context.Context, taskID string) error
}

type adminHandler struct {
	instruments InstrumentLoader
	orders      DeadLetterReplayer
	audit       func(domain.AuditEvent)
}

// handleInstrumentRefresh implements POST /admin/instrument-refresh.
func (h *adminHandler) handleInstrumentRefresh(w http.ResponseWriter, r *http.Request) {
	count, err := h.instruments.Reload()
	if err != nil {
		writeError(w, r, apperr.Internal(err, "reload instrument registry"))
		return
	}
	h.audit(domain.AuditEvent{Actor: "admin", Action: "instrument_refresh", Detail: r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]any{"instruments_loaded": count})
}

// handleReplayDeadLetter implements POST /admin/orders/{id}/replay: resets
// a dead-lettered task's attempt count to zero and re-queues it.
func (h *adminHandler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := h.orders.ReplayDeadLetter(r.Context(), taskID); err != nil {
		writeError(w, r, err)
		return
	}
	h.audit(domain.AuditEvent{Actor: "admin", Action: "dead_letter_replay", Detail: taskID})
	w.WriteHeader(http.StatusNoContent)
}
