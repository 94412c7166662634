package bars

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/optionstream/backend/internal/domain"
)

type fakePublisher struct {
	mu   sync.Mutex
	bars []domain.UnderlyingBar
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic != UnderlyingTopic {
		return nil
	}
	var b domain.UnderlyingBar
	if err := json.Unmarshal(payload, &b); err != nil {
		return err
	}
	p.bars = append(p.bars, b)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) snapshot() []domain.UnderlyingBar {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.UnderlyingBar, len(p.bars))
	copy(out, p.bars)
	return out
}

func TestAggregator_FirstTickStartsBar(t *testing.T) {
	pub := &fakePublisher{}
	a := New(Config{Interval: time.Minute}, pub)

	a.Ingest("acct-1", "NIFTY", 20000, 10, nowMs(), false)

	bar, ok := a.CurrentBar("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 20000.0, bar.Open)
	assert.Equal(t, 20000.0, bar.High)
	assert.Equal(t, 20000.0, bar.Low)
	assert.Equal(t, 20000.0, bar.Close)
	assert.EqualValues(t, 0, bar.Volume)
}

func TestAggregator_TicksWithinWindowUpdateHighLowCloseVolume(t *testing.T) {
	pub := &fakePublisher{}
	a := New(Config{Interval: time.Minute}, pub)

	base := nowMs()
	a.Ingest("acct-1", "NIFTY", 20000, 10, base, false)
	a.Ingest("acct-1", "NIFTY", 20050, 5, base+1000, false)
	a.Ingest("acct-1", "NIFTY", 19950, 7, base+2000, false)

	bar, ok := a.CurrentBar("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 20000.0, bar.Open)
	assert.Equal(t, 20050.0, bar.High)
	assert.Equal(t, 19950.0, bar.Low)
	assert.Equal(t, 19950.0, bar.Close)
	assert.EqualValues(t, 12, bar.Volume)
}

func TestAggregator_TickInNextWindowEmitsPriorBar(t *testing.T) {
	pub := &fakePublisher{}
	a := New(Config{Interval: time.Minute}, pub)

	base := windowAlignedMs(time.Minute)
	a.Ingest("acct-1", "NIFTY", 20000, 10, base, false)
	a.Ingest("acct-1", "NIFTY", 20100, 1, base+65000, false)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	emitted := pub.snapshot()[0]
	assert.Equal(t, "NIFTY", emitted.Symbol)
	assert.Equal(t, 20000.0, emitted.Open)
	assert.Equal(t, 20000.0, emitted.Close)

	bar, ok := a.CurrentBar("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 20100.0, bar.Open)
}

func TestAggregator_DuplicateAccountTickIsNotDoubleCounted(t *testing.T) {
	pub := &fakePublisher{}
	a := New(Config{Interval: time.Minute}, pub)

	ts := nowMs()
	a.Ingest("acct-1", "NIFTY", 20000, 10, ts, false)
	a.Ingest("acct-1", "NIFTY", 20000, 10, ts, false) // same account/tsMs/price relayed twice

	bar, ok := a.CurrentBar("NIFTY")
	require.True(t, ok)
	assert.EqualValues(t, 10, bar.Volume, "a tick relayed twice by the same account/tsMs/price must not double-count volume")
}

func TestAggregator_TimerForcesEmissionWithoutFurtherTicks(t *testing.T) {
	pub := &fakePublisher{}
	a := New(Config{Interval: time.Second}, pub)

	// Land just before the next second boundary so the forced-emission
	// timer fires within the Eventually window below.
	ts := windowAlignedMs(time.Second) + 900
	a.Ingest("acct-1", "NIFTY", 20000, 10, ts, false)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	emitted := pub.snapshot()[0]
	assert.Equal(t, 20000.0, emitted.Open)
	assert.Equal(t, 20000.0, emitted.High)
	assert.Equal(t, 20000.0, emitted.Low)
	assert.Equal(t, 20000.0, emitted.Close)
}

// nowMs returns the current wall time in epoch milliseconds, for tests
// that don't care about window alignment.
func nowMs() uint64 { return uint64(time.Now().UnixMilli()) }

// windowAlignedMs returns the current time floored to the start of its
// own interval-aligned window, so tests can reason about exactly when a
// forced-emission timer will fire.
func windowAlignedMs(interval time.Duration) uint64 {
	sec := uint64(time.Now().Unix())
	step := uint64(interval.Seconds())
	if step == 0 {
		step = 1
	}
	return (sec / step) * step * 1000
}
