package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClient_PlaceOrderSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":"ORD1"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{BaseURL: srv.URL, APIKey: "k", AccessToken: "t"})
	res, err := c.PlaceOrder(context.Background(), OrderParams{TradingSymbol: "NIFTY25NOVFUT"})
	require.NoError(t, err)
	assert.Equal(t, "ORD1", res.OrderID)
}

func TestRESTClient_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":"ORD2"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{BaseURL: srv.URL, APIKey: "k", AccessToken: "t", RatePerSec: 1000, Burst: 10})
	res, err := c.PlaceOrder(context.Background(), OrderParams{TradingSymbol: "NIFTY25NOVFUT"})
	require.NoError(t, err)
	assert.Equal(t, "ORD2", res.OrderID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRESTClient_ClientErrorIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTClientConfig{BaseURL: srv.URL, APIKey: "k", AccessToken: "t"})
	_, err := c.PlaceOrder(context.Background(), OrderParams{TradingSymbol: "NIFTY25NOVFUT"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}
