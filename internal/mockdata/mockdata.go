// Package mockdata implements the bounded synthetic tick generator (C12):
// when the market clock reads closed, it stands in for the broker feed
// with a random-walked underlying price and an LRU-bounded, expiry-pruned
// set of per-token option snapshots. The Driver gates only on the market
// clock; an unavailable upstream during market hours does not switch it
// on. The
// LRU-plus-expiry-sweep shape is the same one the teacher uses for its
// in-memory cache.
package mockdata

import (
	"container/list"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// UnderlyingSnapshot is the generator's immutable underlying price state.
type UnderlyingSnapshot struct {
	Symbol string
	Price  float64
	Volume uint64
	TsMs   uint64
}

// OptionSnapshot is the generator's immutable per-token option state.
type OptionSnapshot struct {
	Token  uint32
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Volume uint64
	OI     uint64
	Expiry time.Time
}

// Resolver looks up instrument metadata, satisfied by
// internal/instruments.Registry.
type Resolver interface {
	Resolve(token uint32) (domain.Instrument, bool)
	ExpiryBefore(cutoff time.Time) []uint32
}

// Config controls walk magnitude, eviction bounds, and the driver's
// generation cadence.
type Config struct {
	MaxSize         int
	PriceVarBps     float64
	VolVarPct       float64
	CleanupInterval time.Duration
	TickInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 5000
	}
	if c.PriceVarBps <= 0 {
		c.PriceVarBps = 25
	}
	if c.VolVarPct <= 0 {
		c.VolVarPct = 10
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

type optionEntry struct {
	snap atomic.Pointer[OptionSnapshot]
	elem *list.Element
}

// Generator holds the mock state: one atomically-swapped underlying
// snapshot, plus an LRU-ordered, expiry-pruned map of per-token option
// snapshots. Underlying reads never take the mutex; option lookups take
// it to move the entry to the front of the LRU order, and inserts and
// evictions take it as well.
type Generator struct {
	cfg      Config
	resolver Resolver
	rngMu    sync.Mutex
	rng      *rand.Rand

	underlying atomic.Pointer[UnderlyingSnapshot]

	mu      sync.Mutex
	options map[uint32]*optionEntry
	order   *list.List // front = most recently used
}

// New constructs a Generator. resolver supplies instrument metadata for
// on-demand option seeding and the expiry sweep.
func New(cfg Config, resolver Resolver) *Generator {
	return &Generator{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		options:  make(map[uint32]*optionEntry),
		order:    list.New(),
	}
}

// SeedUnderlying sets the initial underlying price, normally from a
// recent historical close. A no-op if snap.Symbol is empty.
func (g *Generator) SeedUnderlying(snap UnderlyingSnapshot) {
	if snap.Symbol == "" {
		return
	}
	cp := snap
	g.underlying.Store(&cp)
}

// Underlying returns the current underlying snapshot and true if one has
// been seeded.
func (g *Generator) Underlying() (UnderlyingSnapshot, bool) {
	p := g.underlying.Load()
	if p == nil {
		return UnderlyingSnapshot{}, false
	}
	return *p, true
}

// TickUnderlying advances the underlying snapshot by one bounded random
// walk step and stores the new immutable snapshot atomically.
func (g *Generator) TickUnderlying(tsMs uint64) (UnderlyingSnapshot, bool) {
	cur := g.underlying.Load()
	if cur == nil {
		return UnderlyingSnapshot{}, false
	}
	next := UnderlyingSnapshot{
		Symbol: cur.Symbol,
		Price:  g.walk(cur.Price, g.cfg.PriceVarBps/10000),
		Volume: g.walkVolume(cur.Volume),
		TsMs:   tsMs,
	}
	g.underlying.Store(&next)
	return next, true
}

// OptionSnapshot returns the current snapshot for token, seeding it on
// demand from the underlying price if this is the first request for it.
func (g *Generator) OptionSnapshot(token uint32) (OptionSnapshot, bool) {
	g.mu.Lock()
	entry, ok := g.options[token]
	if ok {
		g.order.MoveToFront(entry.elem)
	}
	g.mu.Unlock()

	if ok {
		return *entry.snap.Load(), true
	}
	return g.seedOption(token)
}

// seedOption synthesizes an initial snapshot for token around the
// current underlying spot (ATM), evicting stale/excess entries first.
func (g *Generator) seedOption(token uint32) (OptionSnapshot, bool) {
	inst, ok := g.resolver.Resolve(token)
	if !ok || !inst.IsOption() && inst.Segment != domain.SegmentFuture {
		return OptionSnapshot{}, false
	}

	spot, _ := g.Underlying()
	last := spot.Price
	if inst.Strike > 0 {
		last = approxIntrinsic(spot.Price, inst.Strike, inst.OptionType)
	}
	if last <= 0 {
		last = inst.Strike
	}

	snap := OptionSnapshot{
		Token:  token,
		Symbol: inst.Symbol,
		Last:   last,
		Bid:    last * 0.999,
		Ask:    last * 1.001,
		Volume: 0,
		OI:     0,
		Expiry: inst.Expiry,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked()
	elem := g.order.PushFront(token)
	entry := &optionEntry{elem: elem}
	entry.snap.Store(&snap)
	g.options[token] = entry
	metrics.SetMockGeneratorSize(len(g.options))
	return snap, true
}

// TickOption advances token's option snapshot by one bounded random walk
// step. Returns false if the token has never been seeded.
func (g *Generator) TickOption(token uint32) (OptionSnapshot, bool) {
	g.mu.Lock()
	entry, ok := g.options[token]
	if ok {
		g.order.MoveToFront(entry.elem)
	}
	g.mu.Unlock()
	if !ok {
		return OptionSnapshot{}, false
	}

	cur := entry.snap.Load()
	next := OptionSnapshot{
		Token:  cur.Token,
		Symbol: cur.Symbol,
		Last:   g.walk(cur.Last, g.cfg.PriceVarBps/10000),
		Volume: g.walkVolume(cur.Volume),
		OI:     cur.OI,
		Expiry: cur.Expiry,
	}
	next.Bid = next.Last * 0.999
	next.Ask = next.Last * 1.001
	entry.snap.Store(&next)
	return next, true
}

// Cleanup runs the expiry sweep and LRU trim, returning how many entries
// were evicted. Intended to be called from a periodic loop.
func (g *Generator) Cleanup(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	before := len(g.options)
	g.sweepExpiredLocked(now)
	g.trimLocked()
	metrics.SetMockGeneratorSize(len(g.options))
	return before - len(g.options)
}

// Len reports the number of option entries currently held.
func (g *Generator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.options)
}

// evictLocked runs the expiry sweep and LRU trim before a new insert.
// Callers must hold g.mu.
func (g *Generator) evictLocked() {
	g.sweepExpiredLocked(time.Now())
	for len(g.options) >= g.cfg.MaxSize {
		g.evictOldestLocked()
	}
}

func (g *Generator) sweepExpiredLocked(now time.Time) {
	for _, token := range g.resolver.ExpiryBefore(now) {
		if entry, ok := g.options[token]; ok {
			g.order.Remove(entry.elem)
			delete(g.options, token)
		}
	}
}

func (g *Generator) trimLocked() {
	for len(g.options) >= g.cfg.MaxSize {
		g.evictOldestLocked()
	}
}

func (g *Generator) evictOldestLocked() {
	back := g.order.Back()
	if back == nil {
		return
	}
	token := back.Value.(uint32)
	g.order.Remove(back)
	delete(g.options, token)
}

// walk applies a bounded multiplicative random step of +/- varFrac to
// base, floored at a small positive value so a price never walks to zero
// or negative.
func (g *Generator) walk(base float64, varFrac float64) float64 {
	g.rngMu.Lock()
	delta := (g.rng.Float64()*2 - 1) * varFrac
	g.rngMu.Unlock()
	next := base * (1 + delta)
	if next <= 0.01 {
		next = 0.01
	}
	return next
}

func (g *Generator) walkVolume(base uint64) uint64 {
	g.rngMu.Lock()
	delta := (g.rng.Float64()*2 - 1) * (g.cfg.VolVarPct / 100)
	g.rngMu.Unlock()
	next := float64(base) * (1 + delta)
	if next < 0 {
		next = 0
	}
	return uint64(next)
}

// approxIntrinsic synthesizes a plausible starting premium for a newly
// seeded option: intrinsic value plus a small time-value cushion, never
// below the cushion itself.
func approxIntrinsic(spot, strike float64, optType domain.OptionType) float64 {
	cushion := strike * 0.01
	if cushion <= 0 {
		cushion = 1
	}
	var intrinsic float64
	if optType == domain.OptionPut {
		intrinsic = strike - spot
	} else {
		intrinsic = spot - strike
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	return intrinsic + cushion
}
