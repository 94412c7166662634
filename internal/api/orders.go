package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/broker"
	"github.com/epic1st/optionstream/backend/internal/domain"
)

// OrderSubmitter is the order-engine surface the handler needs, satisfied
// by *internal/orders.Engine.
type OrderSubmitter interface {
	Submit(ctx context.Context, accountID string, op domain.OrderOperation, params broker.OrderParams, idempotencyKey string) (domain.OrderTask, bool, error)
}

type orderHandler struct {
	orders OrderSubmitter
}

type orderRequest struct {
	AccountID       string  `json:"accountId"`
	TradingSymbol   string  `json:"tradingSymbol"`
	Quantity        int     `json:"quantity"`
	TransactionType string  `json:"transactionType"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	OrderType       string  `json:"orderType"`
	Price           float64 `json:"price"`
	IdempotencyKey  string  `json:"idempotencyKey"`
}

func (req orderRequest) toParams(orderID string) broker.OrderParams {
	return broker.OrderParams{
		TradingSymbol:   req.TradingSymbol,
		Quantity:        req.Quantity,
		TransactionType: req.TransactionType,
		Exchange:        req.Exchange,
		Product:         req.Product,
		OrderType:       req.OrderType,
		Price:           req.Price,
		OrderID:         orderID,
	}
}

// handlePlace implements POST /orders/regular: enqueues a place request
// into C11's dispatcher. The response carries task_id only — order_id is
// unknown until the worker pool actually executes the task against the
// upstream broker.
func (h *orderHandler) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.AccountID == "" || req.TradingSymbol == "" {
		writeError(w, r, apperr.Validation("accountId and tradingSymbol are required"))
		return
	}

	task, _, err := h.orders.Submit(r.Context(), req.AccountID, domain.OpPlaceOrder, req.toParams(""), req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": task.TaskID})
}

// handleModify implements PUT /orders/regular/{id}.
func (h *orderHandler) handleModify(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.AccountID == "" {
		writeError(w, r, apperr.Validation("accountId is required"))
		return
	}

	task, _, err := h.orders.Submit(r.Context(), req.AccountID, domain.OpModifyOrder, req.toParams(orderID), req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.TaskID})
}

// handleCancel implements DELETE /orders/regular/{id}. accountId travels as
// a query parameter since a DELETE body is atypical.
func (h *orderHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		writeError(w, r, apperr.Validation("accountId query parameter is required"))
		return
	}

	task, _, err := h.orders.Submit(r.Context(), accountID, domain.OpCancelOrder, broker.OrderParams{OrderID: orderID}, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.TaskID})
}
