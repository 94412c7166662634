package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	tokens    map[uint32]struct{}
	failNext  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{tokens: make(map[uint32]struct{})}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeConn) Subscribe(ctx context.Context, tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return assert.AnError
	}
	for _, t := range tokens {
		c.tokens[t] = struct{}{}
	}
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		delete(c.tokens, t)
	}
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func newTestPool(t *testing.T, maxPerConn int) (*AccountPool, *[]*fakeConn) {
	t.Helper()
	var mu sync.Mutex
	var conns []*fakeConn
	dial := func(accountID string, handler TickHandler) Conn {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn()
		conns = append(conns, c)
		return c
	}
	p := New("acct-1", Config{MaxPerConn: maxPerConn, MaxConnsPerAccount: 10}, dial, func(string, []RawTick) {})
	return p, &conns
}

func tokenRange(from, to uint32) []uint32 {
	out := make([]uint32, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestPool_SubscribeScalesAcrossConnections(t *testing.T) {
	p, conns := newTestPool(t, 1000)

	err := p.Subscribe(context.Background(), tokenRange(1, 1500))
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1500, stats.Subscribed)
	assert.Len(t, *conns, 2)
}

func TestPool_SubscribeIsDeadlockFreeUnderConcurrency(t *testing.T) {
	p, _ := newTestPool(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		from := uint32(i*100 + 1)
		to := uint32(i*100 + 100)
		wg.Add(1)
		go func(from, to uint32) {
			defer wg.Done()
			_ = p.Subscribe(context.Background(), tokenRange(from, to))
		}(from, to)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribe did not complete within 10s")
	}

	assert.Equal(t, 500, p.Stats().Subscribed)
}

func TestPool_UnsubscribeDropsEmptyConnection(t *testing.T) {
	p, _ := newTestPool(t, 10)

	require.NoError(t, p.Subscribe(context.Background(), tokenRange(1, 5)))
	assert.Equal(t, 1, p.Stats().Connections)

	require.NoError(t, p.Unsubscribe(context.Background(), tokenRange(1, 5)))
	assert.Equal(t, 0, p.Stats().Connections)
}

func TestPool_AlreadyOwnedTokensAreSkipped(t *testing.T) {
	p, conns := newTestPool(t, 10)

	require.NoError(t, p.Subscribe(context.Background(), tokenRange(1, 5)))
	require.NoError(t, p.Subscribe(context.Background(), tokenRange(3, 8)))

	assert.Equal(t, 8, p.Stats().Subscribed)
	assert.Len(t, *conns, 1)
}
