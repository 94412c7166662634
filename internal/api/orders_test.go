package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

type fakeOrderSubmitter struct {
	lastOp     domain.OrderOperation
	lastParams broker.OrderParams
	lastAcct   string
	taskID     string
	err        error
}

func (f *fakeOrderSubmitter) Submit(_ context.Context, accountID string, op domain.OrderOperation, params broker.OrderParams, _ string) (domain.OrderTask, bool, error) {
	f.lastAcct = accountID
	f.lastOp = op
	f.lastParams = params
	if f.err != nil {
		return domain.OrderTask{}, false, f.err
	}
	return domain.OrderTask{TaskID: f.taskID, AccountID: accountID, Operation: op}, true, nil
}

func TestOrderHandler_HandlePlace(t *testing.T) {
	sub := &fakeOrderSubmitter{taskID: "task-1"}
	h := &orderHandler{orders: sub}

	body := strings.NewReader(`{"accountId":"acct-1","tradingSymbol":"NIFTY24DEC23000CE","quantity":50,"transactionType":"BUY"}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/regular", body)
	w := httptest.NewRecorder()

	h.handlePlace(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, domain.OpPlaceOrder, sub.lastOp)
	assert.Equal(t, "acct-1", sub.lastAcct)

	var out map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "task-1", out["task_id"])
	_, hasOrderID := out["order_id"]
	assert.False(t, hasOrderID, "place response must not carry order_id before execution")
}

func TestOrderHandler_HandlePlaceRejectsMissingFields(t *testing.T) {
	h := &orderHandler{orders: &fakeOrderSubmitter{}}
	body := strings.NewReader(`{"quantity":1}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/regular", body)
	w := httptest.NewRecorder()

	h.handlePlace(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderHandler_HandleModify(t *testing.T) {
	sub := &fakeOrderSubmitter{taskID: "task-2"}
	h := &orderHandler{orders: sub}

	body := strings.NewReader(`{"accountId":"acct-1","price":105.5}`)
	req := httptest.NewRequest(http.MethodPut, "/orders/regular/order-9", body)
	req.SetPathValue("id", "order-9")
	w := httptest.NewRecorder()

	h.handleModify(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OpModifyOrder, sub.lastOp)
	assert.Equal(t, "order-9", sub.lastParams.OrderID)
}

func TestOrderHandler_HandleCancelRequiresAccountID(t *testing.T) {
	h := &orderHandler{orders: &fakeOrderSubmitter{}}
	req := httptest.NewRequest(http.MethodDelete, "/orders/regular/order-9", nil)
	req.SetPathValue("id", "order-9")
	w := httptest.NewRecorder()

	h.handleCancel(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderHandler_HandleCancel(t *testing.T) {
	sub := &fakeOrderSubmitter{taskID: "task-3"}
	h := &orderHandler{orders: sub}

	req := httptest.NewRequest(http.MethodDelete, "/orders/regular/order-9?accountId=acct-1", nil)
	req.SetPathValue("id", "order-9")
	w := httptest.NewRecorder()

	h.handleCancel(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OpCancelOrder, sub.lastOp)
	assert.Equal(t, "acct-1", sub.lastAcct)
}
