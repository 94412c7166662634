package mockdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/pool"
)

type fakeResolver struct {
	byToken map[uint32]domain.Instrument
}

func (f fakeResolver) Resolve(token uint32) (domain.Instrument, bool) {
	i, ok := f.byToken[token]
	return i, ok
}

func (f fakeResolver) ExpiryBefore(cutoff time.Time) []uint32 {
	var out []uint32
	for tok, i := range f.byToken {
		if i.IsOption() && i.Expiry.Before(cutoff) {
			out = append(out, tok)
		}
	}
	return out
}

func futureExpiry() time.Time { return time.Now().Add(30 * 24 * time.Hour) }

func TestGenerator_SeedUnderlyingAndTick(t *testing.T) {
	g := New(Config{}, fakeResolver{})
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 20000, Volume: 1000})

	snap, ok := g.Underlying()
	require.True(t, ok)
	assert.Equal(t, 20000.0, snap.Price)

	next, ok := g.TickUnderlying(123)
	require.True(t, ok)
	assert.NotEqual(t, 0.0, next.Price)
	assert.InDelta(t, 20000, next.Price, 20000*0.01, "one walk step must stay within a small bound of the prior price")
}

func TestGenerator_TickUnderlyingWithoutSeedFails(t *testing.T) {
	g := New(Config{}, fakeResolver{})
	_, ok := g.TickUnderlying(1)
	assert.False(t, ok)
}

func TestGenerator_OptionSnapshotSeedsOnDemandAroundATM(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		501: {Token: 501, Symbol: "NIFTY25NOV20000CE", Segment: domain.SegmentOption, OptionType: domain.OptionCall, Strike: 20000, Expiry: futureExpiry()},
	}}
	g := New(Config{}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 20050})

	snap, ok := g.OptionSnapshot(501)
	require.True(t, ok)
	assert.Equal(t, uint32(501), snap.Token)
	assert.Greater(t, snap.Last, 0.0)
	assert.Equal(t, 1, g.Len())
}

func TestGenerator_OptionSnapshotUnknownTokenFails(t *testing.T) {
	g := New(Config{}, fakeResolver{byToken: map[uint32]domain.Instrument{}})
	_, ok := g.OptionSnapshot(999)
	assert.False(t, ok)
}

func TestGenerator_TickOptionRequiresPriorSeed(t *testing.T) {
	g := New(Config{}, fakeResolver{})
	_, ok := g.TickOption(42)
	assert.False(t, ok)
}

func TestGenerator_TickOptionWalksFromSeededSnapshot(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		501: {Token: 501, Symbol: "NIFTY25NOV20000CE", Segment: domain.SegmentOption, OptionType: domain.OptionCall, Strike: 20000, Expiry: futureExpiry()},
	}}
	g := New(Config{}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 20050})

	first, ok := g.OptionSnapshot(501)
	require.True(t, ok)

	second, ok := g.TickOption(501)
	require.True(t, ok)
	assert.Equal(t, first.Token, second.Token)
}

func TestGenerator_EvictsExpiredOnInsert(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		1: {Token: 1, Symbol: "EXPIRED", Segment: domain.SegmentOption, Strike: 100, Expiry: time.Now().Add(-24 * time.Hour)},
		2: {Token: 2, Symbol: "LIVE", Segment: domain.SegmentOption, Strike: 100, Expiry: futureExpiry()},
	}}
	g := New(Config{MaxSize: 10}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 100})

	_, ok := g.OptionSnapshot(1)
	require.True(t, ok)
	assert.Equal(t, 1, g.Len())

	// Inserting token 2 must sweep token 1's already-expired entry first.
	_, ok = g.OptionSnapshot(2)
	require.True(t, ok)
	assert.Equal(t, 1, g.Len(), "expired entry must be swept before the new token is inserted")
}

func TestGenerator_LRUTrimsOldestWhenAtCapacity(t *testing.T) {
	byToken := map[uint32]domain.Instrument{}
	for i := uint32(1); i <= 3; i++ {
		byToken[i] = domain.Instrument{Token: i, Symbol: "OPT", Segment: domain.SegmentOption, Strike: 100, Expiry: futureExpiry()}
	}
	resolver := fakeResolver{byToken: byToken}
	g := New(Config{MaxSize: 2}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 100})

	_, ok := g.OptionSnapshot(1)
	require.True(t, ok)
	_, ok = g.OptionSnapshot(2)
	require.True(t, ok)
	_, ok = g.OptionSnapshot(3)
	require.True(t, ok)

	assert.Equal(t, 2, g.Len())
	_, stillThere := g.options[1]
	assert.False(t, stillThere, "token 1 was least recently used and must be evicted at capacity 2")
}

func TestGenerator_CleanupSweepsExpiredEntries(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		1: {Token: 1, Symbol: "OPT", Segment: domain.SegmentOption, Strike: 100, Expiry: time.Now().Add(time.Hour)},
	}}
	g := New(Config{MaxSize: 10}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 100})
	_, ok := g.OptionSnapshot(1)
	require.True(t, ok)
	assert.Equal(t, 1, g.Len())

	evicted := g.Cleanup(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, g.Len())
}

func TestClock_IsOpenDuringSessionOnWeekday(t *testing.T) {
	clock, err := NewClock("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)

	loc, _ := time.LoadLocation("Asia/Kolkata")
	monday := time.Date(2026, 8, 3, 12, 0, 0, 0, loc) // a Monday
	assert.True(t, clock.IsOpen(monday))

	beforeOpen := time.Date(2026, 8, 3, 8, 0, 0, 0, loc)
	assert.False(t, clock.IsOpen(beforeOpen))

	afterClose := time.Date(2026, 8, 3, 16, 0, 0, 0, loc)
	assert.False(t, clock.IsOpen(afterClose))
}

func TestClock_ClosedOnWeekend(t *testing.T) {
	clock, err := NewClock("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)

	loc, _ := time.LoadLocation("Asia/Kolkata")
	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, loc)
	assert.False(t, clock.IsOpen(saturday))
}

func TestClock_RejectsMalformedTimes(t *testing.T) {
	_, err := NewClock("Asia/Kolkata", "not-a-time", "15:30")
	assert.Error(t, err)
}

type fakeSubs struct {
	subs []domain.Subscription
	err  error
}

func (f fakeSubs) ActiveSubscriptions(context.Context) ([]domain.Subscription, error) {
	return f.subs, f.err
}

func TestDriver_GenerateOnceSkipsWhenMarketOpen(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		1: {Token: 1, Symbol: "OPT", Segment: domain.SegmentOption, Strike: 100, Expiry: futureExpiry()},
	}}
	g := New(Config{}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 100})

	clock, err := NewClock("UTC", "00:00", "23:59")
	require.NoError(t, err)

	var called bool
	handler := func(string, []pool.RawTick) { called = true }
	d := NewDriver(Config{}, g, clock, fakeSubs{subs: []domain.Subscription{{Token: 1}}}, handler)
	d.generateOnce(context.Background())

	assert.False(t, called, "driver must not generate ticks while the market clock reports open")
}

func TestDriver_GenerateOnceProducesBatchWhenClosed(t *testing.T) {
	resolver := fakeResolver{byToken: map[uint32]domain.Instrument{
		1: {Token: 1, Symbol: "OPT", Segment: domain.SegmentOption, Strike: 100, Expiry: futureExpiry()},
	}}
	g := New(Config{}, resolver)
	g.SeedUnderlying(UnderlyingSnapshot{Symbol: "NIFTY", Price: 100})

	// A clock whose session is only the first minute after midnight UTC,
	// so IsOpen is false except during 00:00-00:01 UTC on weekdays.
	clock, err := NewClock("UTC", "00:00", "00:01")
	require.NoError(t, err)

	var gotAccount string
	var gotTicks []pool.RawTick
	handler := func(accountID string, ticks []pool.RawTick) {
		gotAccount = accountID
		gotTicks = ticks
	}
	d := NewDriver(Config{}, g, clock, fakeSubs{subs: []domain.Subscription{{Token: 1}}}, handler)
	d.generateOnce(context.Background())

	assert.Equal(t, "mock", gotAccount)
	require.Len(t, gotTicks, 1)
	assert.Equal(t, uint32(1), gotTicks[0].Token)
}

func TestDriver_GenerateOnceNoopsOnEmptySubscriptions(t *testing.T) {
	g := New(Config{}, fakeResolver{})
	clock, err := NewClock("UTC", "00:00", "00:01")
	require.NoError(t, err)

	var called bool
	handler := func(string, []pool.RawTick) { called = true }
	d := NewDriver(Config{}, g, clock, fakeSubs{}, handler)
	d.generateOnce(context.Background())

	assert.False(t, called)
}
