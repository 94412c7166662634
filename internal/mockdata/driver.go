package mockdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/pool"
	"github.com/epic1st/optionstream/backend/internal/ticks"
)

// SubscriptionSource lists the tokens C12 must keep ticking while the
// market is closed, satisfied by internal/store.Store.
type SubscriptionSource interface {
	ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

// wireTick mirrors internal/ticks' private decode shape so the driver's
// synthetic batches pass through the same validate/resolve/enrich path a
// real upstream tick would.
type wireTick struct {
	Token  uint32  `json:"token"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume uint64  `json:"volume"`
	OI     uint64  `json:"oi"`
	TsMs   uint64  `json:"ts_ms"`
}

// Driver drives a Generator on a timer, producing one mock batch per
// tick, with one entry per active subscription, and handing it to the tick pipeline
// exactly as a real broker connection would via pool.TickHandler.
type Driver struct {
	cfg     Config
	gen     *Generator
	clock   *Clock
	subs    SubscriptionSource
	handler pool.TickHandler
}

// NewDriver wires a Driver. handler is normally internal/ticks.Pipeline's
// Handle method: the pipeline itself is mock-data-agnostic and does not
// need to know its raw ticks originated from C12 rather than C5.
func NewDriver(cfg Config, gen *Generator, clock *Clock, subs SubscriptionSource, handler pool.TickHandler) *Driver {
	return &Driver{cfg: cfg.withDefaults(), gen: gen, clock: clock, subs: subs, handler: handler}
}

// Run drives the tick-generation and cleanup loops until ctx is
// cancelled. Intended to run in its own goroutine for the life of the
// process; a no-op tick when the market is open and mocking would
// otherwise be unnecessary still costs nothing beyond the clock check.
func (d *Driver) Run(ctx context.Context) {
	tickTicker := time.NewTicker(d.cfg.TickInterval)
	defer tickTicker.Stop()
	cleanupTicker := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			d.generateOnce(ctx)
		case <-cleanupTicker.C:
			d.gen.Cleanup(time.Now())
		}
	}
}

// generateOnce ticks every actively subscribed option/future token once,
// publishing the batch through handler exactly like a real broker
// connection's batch. The generator's underlying snapshot is not advanced
// here.
func (d *Driver) generateOnce(ctx context.Context) {
	if d.clock != nil && d.clock.IsOpen(time.Now()) {
		return
	}

	subs, err := d.subs.ActiveSubscriptions(ctx)
	if err != nil {
		logging.Warn("mockdata: list active subscriptions failed", logging.Err(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	tsMs := uint64(time.Now().UnixMilli())
	raw := make([]pool.RawTick, 0, len(subs))
	for _, s := range subs {
		snap, ok := d.gen.TickOption(s.Token)
		if !ok {
			snap, ok = d.gen.OptionSnapshot(s.Token)
			if !ok {
				continue
			}
		}
		payload, err := json.Marshal(wireTick{
			Token: snap.Token, Last: snap.Last, Bid: snap.Bid, Ask: snap.Ask,
			Volume: snap.Volume, OI: snap.OI, TsMs: tsMs,
		})
		if err != nil {
			continue
		}
		raw = append(raw, pool.RawTick{Token: snap.Token, Data: payload})
	}
	if len(raw) == 0 {
		return
	}
	d.handler(ticks.MockAccountID, raw)
}
