package ticks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/greeks"
	"github.com/epic1st/optionstream/backend/internal/pool"
)

type fakeResolver struct {
	byToken map[uint32]domain.Instrument
}

func (f fakeResolver) Resolve(token uint32) (domain.Instrument, bool) {
	i, ok := f.byToken[token]
	return i, ok
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, topic)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeUnderlyingSink struct {
	mu   sync.Mutex
	last float64
}

func (s *fakeUnderlyingSink) Ingest(_ string, _ string, price float64, _ uint64, _ uint64, _ bool) {
	s.mu.Lock()
	s.last = price
	s.mu.Unlock()
}

const (
	underlyingToken uint32 = 100
	optionToken     uint32 = 101
)

func testInstruments() fakeResolver {
	return fakeResolver{byToken: map[uint32]domain.Instrument{
		underlyingToken: {Token: underlyingToken, Symbol: "NIFTY", Segment: domain.SegmentIndex},
		optionToken: {
			Token: optionToken, Symbol: "NIFTY24JUL20000CE", Segment: domain.SegmentOption,
			OptionType: domain.OptionCall, Strike: 20000, UnderlyingToken: underlyingToken,
			Expiry: time.Now().Add(30 * 24 * time.Hour),
		},
	}}
}

func testConfig() Config {
	return Config{
		Greeks: GreeksConfig{
			InterestRate: 0.1, DividendYield: 0, IVMin: 1e-4, IVMax: 5.0,
			IVOnFailure: greeks.IVFailureZero, ExpiryHour: 15, MarketTZ: time.UTC,
		},
		Batch: BatchConfig{Enabled: false},
	}
}

func encodeTick(t wireTick) []byte {
	b, _ := json.Marshal(t)
	return b
}

func TestPipeline_UnderlyingTickUpdatesSpotAndForwardsToSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)

	p.Handle("acct-1", []pool.RawTick{
		{Token: underlyingToken, Data: encodeTick(wireTick{Token: underlyingToken, Last: 20050, TsMs: 1})},
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 20050.0, sink.last)
	assert.Equal(t, 0, pub.count())
}

func TestPipeline_OptionTickWithoutSpotGetsDiagnosticFlag(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)

	snap := p.enrich(testInstruments().byToken[optionToken], wireTick{Token: optionToken, Last: 120, TsMs: 1})

	assert.Equal(t, "no_spot", snap.Diagnostic)
	assert.Zero(t, snap.Delta)
	assert.Zero(t, snap.IV)
}

func TestPipeline_OptionTickEnrichesGreeksOnceSpotKnown(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)

	p.Handle("acct-1", []pool.RawTick{
		{Token: underlyingToken, Data: encodeTick(wireTick{Token: underlyingToken, Last: 20050, TsMs: 1})},
	})

	snap := p.enrich(testInstruments().byToken[optionToken], wireTick{Token: optionToken, Last: 400, TsMs: 2})

	assert.Empty(t, snap.Diagnostic)
	assert.Greater(t, snap.IV, 0.0)
	assert.Greater(t, snap.Delta, 0.0)
}

func TestPipeline_OptionTickUsesUpstreamIVWhenProvided(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)
	p.spot.record(underlyingToken, 20050)

	iv := 0.18
	snap := p.enrich(testInstruments().byToken[optionToken], wireTick{Token: optionToken, Last: 120, IV: &iv, TsMs: 2})

	require.Empty(t, snap.Diagnostic)
	assert.Equal(t, iv, snap.IV)
}

func TestPipeline_InvalidTickIsDroppedWithoutPanicking(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)

	assert.NotPanics(t, func() {
		p.Handle("acct-1", []pool.RawTick{
			{Token: optionToken, Data: []byte(`{"token":101,"last":"not-a-number"}`)},
		})
	})
	assert.Equal(t, 0, pub.count())
}

func TestPipeline_UnknownTokenIsDropped(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)

	p.Handle("acct-1", []pool.RawTick{
		{Token: 9999, Data: encodeTick(wireTick{Token: 9999, Last: 1, TsMs: 1})},
	})
	assert.Equal(t, 0, pub.count())
}

func TestPipeline_OptionTickPublishesToOptionsTopic(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeUnderlyingSink{}
	p := New(testConfig(), testInstruments(), pub, sink)
	p.spot.record(underlyingToken, 20050)

	p.Handle("acct-1", []pool.RawTick{
		{Token: optionToken, Data: encodeTick(wireTick{Token: optionToken, Last: 120, TsMs: 2})},
	})

	require.Equal(t, 1, pub.count())
	assert.Equal(t, "ticker:options", pub.calls[0])
}
