// Package bars implements the underlying bar aggregator (C8): it combines
// per-account underlying ticks into a single OHLCV bar stream at a fixed
// interval, publishing completed bars on the underlying topic.
package bars

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
	"github.com/epic1st/optionstream/backend/internal/pubsub"
)

// UnderlyingTopic is the pub/sub topic completed bars publish on.
const UnderlyingTopic = "ticker:underlying"

// Config governs the aggregation window.
type Config struct {
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}

// barState is the in-progress bar for one symbol, plus the bookkeeping
// needed to dedupe relayed ticks and force emission on timeout.
type barState struct {
	bar   domain.UnderlyingBar
	timer *time.Timer
	seen  map[string]struct{}
}

// Aggregator maintains one in-progress bar per underlying symbol, merging
// ticks relayed by any number of accounts.
type Aggregator struct {
	cfg Config
	pub pubsub.Publisher

	mu   sync.Mutex
	bars map[string]*barState
}

// New constructs an Aggregator that publishes completed bars through pub.
func New(cfg Config, pub pubsub.Publisher) *Aggregator {
	return &Aggregator{
		cfg:  cfg.withDefaults(),
		pub:  pub,
		bars: make(map[string]*barState),
	}
}

// Ingest implements internal/ticks.UnderlyingSink: it is the entry point
// for every underlying tick the tick pipeline forwards, from any account.
// isMock is true when the tick originated from internal/mockdata rather
// than a real broker connection; a bar is flagged IsMock only while every
// tick contributing to it so far has been synthetic.
func (a *Aggregator) Ingest(accountID, symbol string, price float64, qtyDelta uint64, tsMs uint64, isMock bool) {
	windowStart := a.windowStart(tsMs)
	key := dedupeKey(accountID, tsMs, price)

	a.mu.Lock()
	st, exists := a.bars[symbol]

	switch {
	case !exists:
		st = a.newBarLocked(symbol, windowStart, price, isMock)
	case st.bar.TsSec != windowStart:
		completed := st.bar
		a.emitLocked(symbol, completed)
		st = a.newBarLocked(symbol, windowStart, price, isMock)
	default:
		if _, dup := st.seen[key]; dup {
			a.mu.Unlock()
			return
		}
		st.seen[key] = struct{}{}
		if price > st.bar.High {
			st.bar.High = price
		}
		if price < st.bar.Low {
			st.bar.Low = price
		}
		st.bar.Close = price
		st.bar.Volume += qtyDelta
		st.bar.IsMock = st.bar.IsMock && isMock
	}
	a.mu.Unlock()
}

// newBarLocked starts a fresh bar for symbol's window and arms the
// forced-emission timer. Caller must hold a.mu.
func (a *Aggregator) newBarLocked(symbol string, windowStart uint64, price float64, isMock bool) *barState {
	st := &barState{
		bar: domain.UnderlyingBar{
			Symbol: symbol,
			Open:   price, High: price, Low: price, Close: price,
			Volume: 0,
			TsSec:  windowStart,
			IsMock: isMock,
		},
		seen: map[string]struct{}{},
	}
	deadline := time.Unix(int64(windowStart), 0).Add(a.cfg.Interval)
	st.timer = time.AfterFunc(time.Until(deadline), func() { a.forceEmit(symbol, windowStart) })
	a.bars[symbol] = st
	return st
}

// forceEmit is invoked by a bar's timer when its window elapses without a
// tick from a later window ever arriving to trigger emission naturally.
func (a *Aggregator) forceEmit(symbol string, windowStart uint64) {
	a.mu.Lock()
	st, exists := a.bars[symbol]
	if !exists || st.bar.TsSec != windowStart {
		a.mu.Unlock()
		return
	}
	completed := st.bar
	delete(a.bars, symbol)
	a.mu.Unlock()
	a.emit(symbol, completed)
}

// emitLocked stops the superseded bar's timer and publishes it outside
// the lock. Caller must hold a.mu; it is released by the caller, not here.
func (a *Aggregator) emitLocked(symbol string, bar domain.UnderlyingBar) {
	if st, ok := a.bars[symbol]; ok {
		st.timer.Stop()
	}
	go a.emit(symbol, bar)
}

func (a *Aggregator) emit(symbol string, bar domain.UnderlyingBar) {
	body, err := pubsub.MarshalEnvelope(bar)
	if err != nil {
		logging.Error("marshal underlying bar", err, logging.String("symbol", symbol))
		return
	}
	if err := a.pub.Publish(context.Background(), UnderlyingTopic, body); err != nil {
		logging.Warn("publish underlying bar failed", logging.String("symbol", symbol), logging.Err(err))
		return
	}
	metrics.RecordBarEmitted(symbol)
}

func (a *Aggregator) windowStart(tsMs uint64) uint64 {
	sec := tsMs / 1000
	interval := uint64(a.cfg.Interval.Seconds())
	if interval == 0 {
		interval = 60
	}
	return (sec / interval) * interval
}

// dedupeKey identifies a single relayed observation, so the same
// underlying tick delivered more than once by one account is only counted
// once. The key includes the account, so equal (tsMs, price) ticks from
// different accounts are counted separately. Exact dedupe (detecting true
// duplicates vs. coincidental matches) is out of scope.
func dedupeKey(accountID string, tsMs uint64, price float64) string {
	return fmt.Sprintf("%s|%d|%.4f", accountID, tsMs, price)
}

// CurrentBar returns a snapshot of symbol's in-progress bar, for
// diagnostics and testing. The second return is false if no bar is open.
func (a *Aggregator) CurrentBar(symbol string) (domain.UnderlyingBar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.bars[symbol]
	if !ok {
		return domain.UnderlyingBar{}, false
	}
	return st.bar, true
}
