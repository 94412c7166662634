package ticks

import (
	"context"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/greeks"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
	"github.com/epic1st/optionstream/backend/internal/pool"
	"github.com/epic1st/optionstream/backend/internal/pubsub"
)

// Resolver looks up instrument metadata by token, satisfied by
// internal/instruments.Registry.
type Resolver interface {
	Resolve(token uint32) (domain.Instrument, bool)
}

// UnderlyingSink receives raw underlying ticks for bar aggregation,
// satisfied by internal/bars.Aggregator.
type UnderlyingSink interface {
	Ingest(accountID string, symbol string, price float64, qtyDelta uint64, tsMs uint64, isMock bool)
}

// GreeksConfig mirrors internal/config.GreeksConfig, kept as its own type
// so this package does not import internal/config.
type GreeksConfig struct {
	InterestRate  float64
	DividendYield float64
	IVMin         float64
	IVMax         float64
	IVOnFailure   greeks.IVFailurePolicy
	ExpiryHour    int
	MarketTZ      *time.Location
}

// Config bundles everything the pipeline needs beyond its collaborators.
type Config struct {
	Greeks GreeksConfig
	Batch  BatchConfig
}

// Pipeline implements C7: validate, resolve, split, enrich, batch,
// publish.
type Pipeline struct {
	cfg        Config
	resolver   Resolver
	underlying UnderlyingSink
	batch      *batcher
	spot       *spotTracker
}

// New wires a Pipeline against its registry, publisher, and the bar
// aggregator that consumes underlying ticks.
func New(cfg Config, resolver Resolver, pub pubsub.Publisher, underlying UnderlyingSink) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		resolver:   resolver,
		underlying: underlying,
		batch:      newBatcher(cfg.Batch, pub),
		spot:       newSpotTracker(),
	}
}

// Handle processes one inbound batch from a single account's connection.
// This is the pool.TickHandler the connection pool invokes; it never
// returns an error; every failure within a single tick is captured,
// metriced, and dropped, and the batch continues.
func (p *Pipeline) Handle(accountID string, raw []pool.RawTick) {
	ctx := context.Background()
	for _, rt := range raw {
		p.handleOne(ctx, accountID, rt)
	}
}

func (p *Pipeline) handleOne(ctx context.Context, accountID string, rt pool.RawTick) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic enriching tick", nil,
				logging.String("account_id", accountID), logging.Any("recovered", r))
			metrics.RecordTick(accountID, "panic")
		}
	}()

	t, err := decodeTick(rt.Data)
	if err != nil {
		metrics.RecordTick(accountID, "invalid")
		return
	}

	inst, ok := p.resolver.Resolve(t.Token)
	if !ok {
		metrics.RecordTick(accountID, "unknown_token")
		return
	}

	switch inst.Segment {
	case domain.SegmentOption, domain.SegmentFuture:
		p.handleOptionPath(ctx, accountID, inst, t)
	case domain.SegmentIndex, domain.SegmentEquity:
		p.handleUnderlyingPath(accountID, inst, t)
	default:
		metrics.RecordTick(accountID, "unknown_segment")
		return
	}
	metrics.RecordTick(accountID, "processed")
}

func (p *Pipeline) handleUnderlyingPath(accountID string, inst domain.Instrument, t wireTick) {
	p.spot.record(inst.Token, t.Last)
	p.underlying.Ingest(accountID, inst.Symbol, t.Last, t.Volume, t.TsMs, accountID == MockAccountID)
}

func (p *Pipeline) handleOptionPath(ctx context.Context, accountID string, inst domain.Instrument, t wireTick) {
	start := time.Now()
	snap := p.enrich(inst, t)
	snap.IsMock = accountID == MockAccountID
	metrics.ObserveEnrichLatency(time.Since(start))

	topic := optionTopic(inst.Segment)
	p.batch.append(ctx, topic, snap)
}

// OptionsTopic and FuturesTopic are the pub/sub topics enriched snapshots
// are published on, keyed by the underlying instrument's segment. Exported
// so the client fan-out hub subscribes to the same names.
const (
	OptionsTopic = "ticker:options"
	FuturesTopic = "ticker:futures"
)

// MockAccountID is the synthetic account id internal/mockdata's driver
// hands batches under, so enrichment can flag the resulting snapshots as
// IsMock without the pipeline importing internal/mockdata.
const MockAccountID = "mock"

func optionTopic(seg domain.Segment) string {
	if seg == domain.SegmentFuture {
		return FuturesTopic
	}
	return OptionsTopic
}

// enrich derives T from the instrument's expiry, implied vol from last
// price, and the four Greeks, against the current underlying spot. If no
// spot is available, it returns a snapshot with every derived field
// zeroed and a diagnostic flag set, per spec.
func (p *Pipeline) enrich(inst domain.Instrument, t wireTick) domain.OptionSnapshot {
	snap := domain.OptionSnapshot{
		Token:  t.Token,
		Symbol: inst.Symbol,
		Last:   t.Last,
		Bid:    t.Bid,
		Ask:    t.Ask,
		BidQty: t.BidQty,
		AskQty: t.AskQty,
		Volume: t.Volume,
		OI:     t.OI,
		TsMs:   t.TsMs,
	}
	for _, d := range t.Depth {
		snap.Depth = append(snap.Depth, domain.DepthLevel{Price: d.Price, Qty: d.Qty, Orders: d.Orders})
	}

	if !inst.IsOption() {
		return snap
	}

	spot, ok := p.spot.get(inst.UnderlyingToken)
	if !ok {
		snap.Diagnostic = "no_spot"
		return snap
	}

	yearsToExpiry := p.timeToExpiry(inst.Expiry)
	if yearsToExpiry < 0 {
		snap.Diagnostic = "expired"
		return snap
	}

	optType := greeks.Call
	if inst.OptionType == domain.OptionPut {
		optType = greeks.Put
	}

	sigma := t.Last
	if t.IV != nil {
		sigma = *t.IV
	} else {
		iv, ok := greeks.ImpliedVol(t.Last, greeks.Inputs{
			Spot: spot, Strike: inst.Strike, T: yearsToExpiry,
			Rate: p.cfg.Greeks.InterestRate, Div: p.cfg.Greeks.DividendYield, Type: optType,
		}, p.cfg.Greeks.IVMin, p.cfg.Greeks.IVMax, p.cfg.Greeks.IVOnFailure)
		if !ok {
			snap.Diagnostic = "iv_unbracketed"
		}
		sigma = iv
	}

	in := greeks.Inputs{
		Spot: spot, Strike: inst.Strike, T: yearsToExpiry, Sigma: sigma,
		Rate: p.cfg.Greeks.InterestRate, Div: p.cfg.Greeks.DividendYield, Type: optType,
	}
	snap.IV = sigma
	snap.Delta = greeks.Delta(in)
	snap.Gamma = greeks.Gamma(in)
	snap.Theta = greeks.Theta(in)
	snap.Vega = greeks.Vega(in)
	return snap
}

// timeToExpiry computes T in years from now to the instrument's expiry
// date at the configured expiry-time-of-day, in the configured market
// timezone. A negative result means the option has already expired.
func (p *Pipeline) timeToExpiry(expiry time.Time) float64 {
	loc := p.cfg.Greeks.MarketTZ
	if loc == nil {
		loc = time.UTC
	}
	cutoff := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), p.cfg.Greeks.ExpiryHour, 0, 0, 0, loc)
	remaining := cutoff.Sub(time.Now().In(loc))
	return remaining.Hours() / (24 * 365)
}
