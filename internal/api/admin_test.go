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

type fakeInstrumentLoader struct {
	count int
	err   error
}

func (f *fakeInstrumentLoader) Reload() (int, error) { return f.count, f.err }

type fakeDeadLetterReplayer struct {
	lastTaskID string
	err        error
}

func (f *fakeDeadLetterReplayer) ReplayDeadLetter(_ context.Context, taskID string) error {
	f.lastTaskID = taskID
	return f.err
}

func TestAdminHandler_HandleInstrumentRefresh(t *testing.T) {
	var audited []domain.AuditEvent
	loader := &fakeInstrumentLoader{count: 42}
	h := &adminHandler{instruments: loader, orders: &fakeDeadLetterReplayer{}, audit: func(e domain.AuditEvent) {
		audited = append(audited, e)
	}}

	req := httptest.NewRequest(http.MethodPost, "/admin/instrument-refresh", nil)
	w := httptest.NewRecorder()
	h.handleInstrumentRefresh(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		InstrumentsLoaded int `json:"instruments_loaded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 42, body.InstrumentsLoaded)
	require.Len(t, audited, 1)
	assert.Equal(t, "instrument_refresh", audited[0].Action)
}

func TestAdminHandler_HandleReplayDeadLetter(t *testing.T) {
	var audited []domain.AuditEvent
	replayer := &fakeDeadLetterReplayer{}
	h := &adminHandler{instruments: &fakeInstrumentLoader{}, orders: replayer, audit: func(e domain.AuditEvent) {
		audited = append(audited, e)
	}}

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/task-7/replay", nil)
	req.SetPathValue("id", "task-7")
	w := httptest.NewRecorder()
	h.handleReplayDeadLetter(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "task-7", replayer.lastTaskID)
	require.Len(t, audited, 1)
	assert.Equal(t, "dead_letter_replay", audited[0].Action)
}
