package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/domain"
)

type fakeSubStore struct {
	mu   sync.Mutex
	subs map[uint32]domain.Subscription
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: make(map[uint32]domain.Subscription)}
}

func (f *fakeSubStore) UpsertSubscription(_ context.Context, sub domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.Token] = sub
	return nil
}

func (f *fakeSubStore) SoftDeleteSubscription(_ context.Context, token uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[token]
	if !ok {
		return nil
	}
	sub.Status = domain.SubscriptionInactive
	f.subs[token] = sub
	return nil
}

func (f *fakeSubStore) SubscriptionsFiltered(_ context.Context, status string) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Subscription
	for _, s := range f.subs {
		if status == "" || string(s.Status) == status {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	instruments map[uint32]domain.Instrument
}

func (f *fakeRegistry) Resolve(token uint32) (domain.Instrument, bool) {
	inst, ok := f.instruments[token]
	return inst, ok
}

func (f *fakeRegistry) Load(list []domain.Instrument) {
	f.instruments = make(map[uint32]domain.Instrument, len(list))
	for _, inst := range list {
		f.instruments[inst.Token] = inst
	}
}

type fakeRequeuer struct {
	triggered int
}

func (f *fakeRequeuer) Trigger() { f.triggered++ }

func newSubTestHandler() (*subscriptionHandler, *fakeSubStore, *fakeRequeuer) {
	store := newFakeSubStore()
	registry := &fakeRegistry{instruments: map[uint32]domain.Instrument{
		256265: {Token: 256265, Symbol: "NIFTY24DEC23000CE", Segment: domain.SegmentOption},
	}}
	requeue := &fakeRequeuer{}
	return &subscriptionHandler{store: store, registry: registry, requeue: requeue}, store, requeue
}

func TestSubscriptionHandler_HandleCreate(t *testing.T) {
	h, store, requeue := newSubTestHandler()
	body := strings.NewReader(`{"token":256265,"mode":"FULL","accountId":"acct-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", body)
	w := httptest.NewRecorder()

	h.handleCreate(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, requeue.triggered)
	sub, ok := store.subs[256265]
	require.True(t, ok)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "NIFTY24DEC23000CE", sub.Symbol)
}

func TestSubscriptionHandler_HandleCreateRejectsUnknownToken(t *testing.T) {
	h, _, _ := newSubTestHandler()
	body := strings.NewReader(`{"token":999,"accountId":"acct-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", body)
	w := httptest.NewRecorder()

	h.handleCreate(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscriptionHandler_HandleList(t *testing.T) {
	h, store, _ := newSubTestHandler()
	store.subs[1] = domain.Subscription{Token: 1, Status: domain.SubscriptionActive}
	store.subs[2] = domain.Subscription{Token: 2, Status: domain.SubscriptionInactive}

	req := httptest.NewRequest(http.MethodGet, "/subscriptions?status=active", nil)
	w := httptest.NewRecorder()
	h.handleList(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Subscriptions []domain.Subscription `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Subscriptions, 1)
	assert.Equal(t, uint32(1), out.Subscriptions[0].Token)
}

func TestSubscriptionHandler_HandleDelete(t *testing.T) {
	h, store, requeue := newSubTestHandler()
	store.subs[256265] = domain.Subscription{Token: 256265, Status: domain.SubscriptionActive}

	req := httptest.NewRequest(http.MethodDelete, "/subscriptions/256265", nil)
	req.SetPathValue("token", "256265")
	w := httptest.NewRecorder()
	h.handleDelete(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, requeue.triggered)
	assert.Equal(t, domain.SubscriptionInactive, store.subs[256265].Status)
}
