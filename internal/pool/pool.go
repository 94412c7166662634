// Package pool holds the per-account set of upstream broker connections:
// first-fit placement of instrument tokens onto connections bounded by
// maxPerConn, a health loop that detects stalled connections and
// reconnects them, and rollback of in-memory ownership when an upstream
// subscribe call fails.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/supervisor"
)

// RawTick is the unparsed payload a Conn hands to its tick handler; the
// tick pipeline (internal/ticks) owns actual field decoding.
type RawTick struct {
	Token uint32
	Data  []byte
}

// TickHandler is invoked by a Conn for every inbound batch it receives.
type TickHandler func(accountID string, ticks []RawTick)

// Conn is one upstream connection. A concrete implementation lives in
// internal/broker; this package only depends on the interface so it never
// imports the broker transport.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []uint32) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	Close() error
	IsConnected() bool
}

// Dialer creates a new Conn for an account, wired to deliver inbound
// ticks through handler.
type Dialer func(accountID string, handler TickHandler) Conn

// ConnState is a connection's lifecycle state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

type connection struct {
	id         int
	conn       Conn
	state      ConnState
	subscribed map[uint32]struct{}
	capacity   int
	lastTickAt time.Time
}

func (c *connection) remaining() int { return c.capacity - len(c.subscribed) }

// Config bounds a pool's placement and health behavior.
type Config struct {
	MaxPerConn        int
	MaxConnsPerAccount int
	StallTimeout      time.Duration
	HealthInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerConn <= 0 {
		c.MaxPerConn = 1000
	}
	if c.MaxConnsPerAccount <= 0 {
		c.MaxConnsPerAccount = 10
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	return c
}

// AccountTokenCap is the maximum number of tokens an account's pool can
// carry across all connections, per spec's accountTokenCap formula.
func (c Config) AccountTokenCap() int {
	c = c.withDefaults()
	return c.MaxPerConn * c.MaxConnsPerAccount
}

// AccountPool owns every connection for one account. Its critical
// sections follow the split-lock pattern: compute a placement plan under
// lock, dispatch the upstream call unlocked, then retake the lock to
// commit or roll back.
type AccountPool struct {
	accountID string
	cfg       Config
	dial      Dialer
	handler   TickHandler

	mu      sync.Mutex
	conns   []*connection
	nextID  int
	tokenOf map[uint32]int // token -> connection id, for unsubscribe/lookup

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an AccountPool with no connections; connections are created
// lazily by Subscribe.
func New(accountID string, cfg Config, dial Dialer, handler TickHandler) *AccountPool {
	return &AccountPool{
		accountID: accountID,
		cfg:       cfg.withDefaults(),
		dial:      dial,
		handler:   handler,
		tokenOf:   make(map[uint32]int),
		stop:      make(chan struct{}),
	}
}

// Start launches the health loop under the given supervisor.
func (p *AccountPool) Start(ctx context.Context, sup *supervisor.Group) {
	sup.Go(fmt.Sprintf("pool-health-%s", p.accountID), func(ctx context.Context) error {
		p.healthLoop(ctx)
		return nil
	})
}

// Stop halts the health loop and closes every connection.
func (p *AccountPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	conns := append([]*connection(nil), p.conns...)
	p.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Stats reports the account's current connection count and subscribed
// token count, for the admin/health surface.
type Stats struct {
	Connections int
	Subscribed  int
}

func (p *AccountPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		n += len(c.subscribed)
	}
	return Stats{Connections: len(p.conns), Subscribed: n}
}

// LiveTokens returns every token currently owned by this account's
// connections, for the reconciler's live-vs-desired delta computation.
func (p *AccountPool) LiveTokens() map[uint32]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]struct{}, len(p.tokenOf))
	for tok := range p.tokenOf {
		out[tok] = struct{}{}
	}
	return out
}

// RemainingCapacity is how many more tokens this account's pool can take
// on before hitting AccountTokenCap, used by the reconciler's
// most-remaining-capacity placement rule.
func (p *AccountPool) RemainingCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.AccountTokenCap() - len(p.tokenOf)
}

// Subscribe places each new token onto a connection with spare capacity
// (first-fit), creating a new connection when none can accept it, then
// issues the upstream subscribe. Tokens already owned somewhere in the
// account are skipped. On upstream failure, ownership for that
// connection's batch is rolled back and a typed error is returned.
func (p *AccountPool) Subscribe(ctx context.Context, tokens []uint32) error {
	plan, err := p.planSubscribe(tokens)
	if err != nil {
		return err
	}

	for connID, toks := range plan {
		p.mu.Lock()
		c := p.connByID(connID)
		p.mu.Unlock()
		if c == nil {
			continue
		}

		if !c.conn.IsConnected() {
			if err := c.conn.Connect(ctx); err != nil {
				p.rollback(connID, toks)
				return apperr.UpstreamTransient(err, "connect account %s conn %d", p.accountID, connID)
			}
		}

		if err := c.conn.Subscribe(ctx, toks); err != nil {
			p.rollback(connID, toks)
			return apperr.UpstreamPermanent(err, "subscribe account %s conn %d", p.accountID, connID)
		}

		p.mu.Lock()
		c.state = StateConnected
		p.mu.Unlock()
	}
	return nil
}

// planSubscribe computes the first-fit placement under lock and
// provisionally records ownership so concurrent Subscribe calls never
// double-place the same token; it does not touch the network.
func (p *AccountPool) planSubscribe(tokens []uint32) (map[int][]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan := make(map[int][]uint32)
	for _, tok := range tokens {
		if _, owned := p.tokenOf[tok]; owned {
			continue
		}

		c := p.firstFitLocked()
		if c == nil {
			if len(p.conns)*p.cfg.MaxPerConn >= p.cfg.AccountTokenCap() {
				return nil, apperr.Validation("account %s at capacity (%d tokens)", p.accountID, p.cfg.AccountTokenCap())
			}
			c = p.newConnectionLocked()
		}

		c.subscribed[tok] = struct{}{}
		p.tokenOf[tok] = c.id
		plan[c.id] = append(plan[c.id], tok)
	}
	return plan, nil
}

// firstFitLocked returns the first connection with spare capacity, in
// stable id order. Caller must hold p.mu.
func (p *AccountPool) firstFitLocked() *connection {
	for _, c := range p.conns {
		if c.remaining() > 0 {
			return c
		}
	}
	return nil
}

func (p *AccountPool) newConnectionLocked() *connection {
	id := p.nextID
	p.nextID++
	c := &connection{
		id:         id,
		subscribed: make(map[uint32]struct{}),
		capacity:   p.cfg.MaxPerConn,
		state:      StateConnecting,
		lastTickAt: time.Now(),
	}
	c.conn = p.dial(p.accountID, func(acct string, ticks []RawTick) {
		p.mu.Lock()
		c.lastTickAt = time.Now()
		p.mu.Unlock()
		p.handler(acct, ticks)
	})
	p.conns = append(p.conns, c)
	return c
}

func (p *AccountPool) connByID(id int) *connection {
	for _, c := range p.conns {
		if c.id == id {
			return c
		}
	}
	return nil
}

// rollback undoes a planSubscribe reservation for one connection's batch
// after an upstream failure.
func (p *AccountPool) rollback(connID int, tokens []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.connByID(connID)
	if c == nil {
		return
	}
	for _, tok := range tokens {
		delete(c.subscribed, tok)
		delete(p.tokenOf, tok)
	}
}

// Unsubscribe locates each token's owning connection, issues the
// upstream unsubscribe, and removes ownership. A connection that becomes
// empty is closed and dropped from the pool.
func (p *AccountPool) Unsubscribe(ctx context.Context, tokens []uint32) error {
	byConn := make(map[int][]uint32)
	p.mu.Lock()
	for _, tok := range tokens {
		if connID, ok := p.tokenOf[tok]; ok {
			byConn[connID] = append(byConn[connID], tok)
		}
	}
	p.mu.Unlock()

	for connID, toks := range byConn {
		p.mu.Lock()
		c := p.connByID(connID)
		p.mu.Unlock()
		if c == nil {
			continue
		}

		if err := c.conn.Unsubscribe(ctx, toks); err != nil {
			logging.Warn("upstream unsubscribe failed",
				logging.String("account_id", p.accountID), logging.Int("conn_id", connID), logging.Err(err))
		}

		p.mu.Lock()
		for _, tok := range toks {
			delete(c.subscribed, tok)
			delete(p.tokenOf, tok)
		}
		empty := len(c.subscribed) == 0
		p.mu.Unlock()

		if empty {
			p.dropConnection(connID)
		}
	}
	return nil
}

func (p *AccountPool) dropConnection(connID int) {
	p.mu.Lock()
	c := p.connByID(connID)
	if c == nil {
		p.mu.Unlock()
		return
	}
	for i, cc := range p.conns {
		if cc.id == connID {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	c.conn.Close()
}

// healthLoop detects connections that have stopped delivering ticks and
// reconnects them, re-subscribing every token the connection owned.
func (p *AccountPool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkStalled(ctx)
		}
	}
}

func (p *AccountPool) checkStalled(ctx context.Context) {
	p.mu.Lock()
	var stalled []*connection
	for _, c := range p.conns {
		if c.state == StateConnected && time.Since(c.lastTickAt) > p.cfg.StallTimeout {
			c.state = StateDisconnected
			stalled = append(stalled, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stalled {
		logging.Warn("connection stalled, reconnecting",
			logging.String("account_id", p.accountID), logging.Int("conn_id", c.id))
		p.reconnect(ctx, c)
	}
}

func (p *AccountPool) reconnect(ctx context.Context, c *connection) {
	c.conn.Close()

	if err := c.conn.Connect(ctx); err != nil {
		logging.Warn("reconnect failed",
			logging.String("account_id", p.accountID), logging.Int("conn_id", c.id), logging.Err(err))
		return
	}

	p.mu.Lock()
	tokens := make([]uint32, 0, len(c.subscribed))
	for tok := range c.subscribed {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	p.mu.Unlock()

	if len(tokens) == 0 {
		p.mu.Lock()
		c.state = StateConnected
		p.mu.Unlock()
		return
	}

	if err := c.conn.Subscribe(ctx, tokens); err != nil {
		logging.Warn("re-subscribe after reconnect failed",
			logging.String("account_id", p.accountID), logging.Int("conn_id", c.id), logging.Err(err))
		return
	}

	p.mu.Lock()
	c.state = StateConnected
	c.lastTickAt = time.Now()
	p.mu.Unlock()
}
