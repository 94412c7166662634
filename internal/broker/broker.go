// Package broker is the gateway's only dependency on the upstream vendor
// protocol: a WebSocket tick feed plus a REST order/quote surface, both
// consumed through interfaces so the rest of the module never imports a
// vendor SDK directly.
package broker

import (
	"context"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
)

// SubscribeMode selects the upstream quote depth, mirroring
// domain.SubscriptionMode at the wire boundary.
type SubscribeMode string

const (
	ModeFull  SubscribeMode = "FULL"
	ModeQuote SubscribeMode = "QUOTE"
	ModeLTP   SubscribeMode = "LTP"
)

// OrderParams carries the broker-specific fields of a place/modify/cancel
// request. Field names follow the canonical set used for idempotency-key
// hashing (see internal/orders).
type OrderParams struct {
	TradingSymbol   string
	Quantity        int
	TransactionType string // BUY | SELL
	Exchange        string
	Product         string
	OrderType       string
	Price           float64
	OrderID         string // required for modify/cancel
}

// OrderResult is the broker's response to a place/modify/cancel call.
type OrderResult struct {
	OrderID string
	Raw     map[string]any
}

// Quote is a point-in-time snapshot from getQuote, used to seed mock data
// and to backstop missing spot prices in the tick pipeline.
type Quote struct {
	Token  uint32
	Last   float64
	Bid    float64
	Ask    float64
	Volume uint64
	OI     uint64
}

// Candle is one OHLCV bar returned by historicalCandles.
type Candle struct {
	TsSec  uint64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume uint64
	OI     uint64
}

// UpstreamClient is the vendor REST surface the order engine and history
// endpoint depend on. One account holds exactly one UpstreamClient.
type UpstreamClient interface {
	PlaceOrder(ctx context.Context, p OrderParams) (OrderResult, error)
	ModifyOrder(ctx context.Context, p OrderParams) (OrderResult, error)
	CancelOrder(ctx context.Context, p OrderParams) (OrderResult, error)
	GetQuote(ctx context.Context, token uint32) (Quote, error)
	HistoricalCandles(ctx context.Context, token uint32, from, to time.Time, interval string) ([]Candle, error)
}

// SessionOrchestrator tracks which trading accounts currently hold valid
// upstream sessions (authenticated, breaker not Open), for the
// reconciler's "available accounts" step.
type SessionOrchestrator interface {
	AvailableAccounts(ctx context.Context) ([]domain.TradingAccount, error)
	UpstreamClientFor(accountID string) (UpstreamClient, bool)
}
