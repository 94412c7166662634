// Package hub implements the client-facing WebSocket fan-out (C10): it
// authenticates each connection against an identity token, accepts
// subscribe/unsubscribe/ping frames, routes enriched option and future
// ticks only to the connections subscribed to their token, and broadcasts
// underlying bars to every connection.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/epic1st/optionstream/backend/internal/bars"
	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/identity"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
	"github.com/epic1st/optionstream/backend/internal/ticks"
)

// Subscriber is the narrow view of internal/pubsub.RedisPublisher the hub
// needs: a channel of raw messages for a set of topics. Satisfied by
// *pubsub.RedisPublisher.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan *redis.Message, func() error)
}

// Config controls per-connection buffering and the slow-client disconnect
// threshold.
type Config struct {
	SendBuffer         int
	MaxConsecutiveDrop int
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxConsecutiveDrop <= 0 {
		c.MaxConsecutiveDrop = 20
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected WebSocket subscriber.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	tokenHash string

	mu    sync.Mutex
	subs  map[uint32]struct{}
	drops int
}

// Hub owns the registered client set and the reverse token -> clients
// index used to route ticks without broadcasting to every connection.
type Hub struct {
	cfg      Config
	verifier *identity.Verifier
	sub      Subscriber

	register   chan *client
	unregister chan *client
	subscribe  chan subRequest
	unsub      chan subRequest

	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[uint32]map[string]*client
}

type subRequest struct {
	c      *client
	tokens []uint32
}

// New constructs a Hub. verifier authenticates connect-time identity
// tokens and is re-checked for revocation on every subscribe. sub is the
// pub/sub reader the hub drains ticks.OptionsTopic, ticks.FuturesTopic and
// bars.UnderlyingTopic from.
func New(cfg Config, verifier *identity.Verifier, sub Subscriber) *Hub {
	return &Hub{
		cfg:         cfg.withDefaults(),
		verifier:    verifier,
		sub:         sub,
		register:    make(chan *client),
		unregister:  make(chan *client),
		subscribe:   make(chan subRequest),
		unsub:       make(chan subRequest),
		clients:     make(map[string]*client),
		subscribers: make(map[uint32]map[string]*client),
	}
}

// Run drives the hub's central event loop and its upstream tick reader
// until ctx is cancelled. Intended to run in its own goroutine for the
// life of the process.
func (h *Hub) Run(ctx context.Context) {
	msgs, closeSub := h.sub.Subscribe(ctx, ticks.OptionsTopic, ticks.FuturesTopic, bars.UnderlyingTopic)
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			count := len(h.clients)
			h.mu.Unlock()
			metrics.SetHubClients(count)
			h.send(c, connectedFrame{Type: "connected", ConnID: c.id})

		case c := <-h.unregister:
			h.dropClient(c)

		case req := <-h.subscribe:
			h.applySubscribe(req.c, req.tokens)

		case req := <-h.unsub:
			h.applyUnsubscribe(req.c, req.tokens)

		case raw, ok := <-msgs:
			if !ok {
				return
			}
			h.route(raw.Channel, []byte(raw.Payload))
		}
	}
}

// route decodes one pub/sub payload enough to learn its routing key and
// fans it out to exactly the clients subscribed to it.
func (h *Hub) route(topic string, payload []byte) {
	switch topic {
	case ticks.OptionsTopic, ticks.FuturesTopic:
		var snap domain.OptionSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			logging.Warn("hub: decode tick failed", logging.String("topic", topic), logging.Err(err))
			return
		}
		frame, err := json.Marshal(tickFrame{Type: "tick", Tick: snap})
		if err != nil {
			return
		}
		h.fanOut(snap.Token, frame)

	case bars.UnderlyingTopic:
		var bar domain.UnderlyingBar
		if err := json.Unmarshal(payload, &bar); err != nil {
			logging.Warn("hub: decode bar failed", logging.Err(err))
			return
		}
		frame, err := json.Marshal(barFrame{Type: "bar", Bar: bar})
		if err != nil {
			return
		}
		h.broadcastAll(frame)
	}
}

// fanOut delivers frame to every client currently subscribed to token.
func (h *Hub) fanOut(token uint32, frame []byte) {
	h.mu.RLock()
	subs := h.subscribers[token]
	targets := make([]*client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, frame)
	}
}

// broadcastAll delivers frame to every connected client, used for
// underlying bars: the domain model has no per-connection subscription
// concept for the underlying symbol stream, only for option/future tokens.
func (h *Hub) broadcastAll(frame []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, frame)
	}
}

// send is the hub's single non-blocking delivery path. A full client
// buffer counts as a drop; after cfg.MaxConsecutiveDrop consecutive drops
// the connection is torn down rather than left silently stale forever.
func (h *Hub) send(c *client, v any) {
	var payload []byte
	switch p := v.(type) {
	case []byte:
		payload = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		payload = b
	}

	select {
	case c.send <- payload:
		c.mu.Lock()
		c.drops = 0
		c.mu.Unlock()
	default:
		metrics.RecordHubDrop("buffer_full")
		c.mu.Lock()
		c.drops++
		drops := c.drops
		c.mu.Unlock()
		if drops >= h.cfg.MaxConsecutiveDrop {
			metrics.RecordHubDisconnect("slow_client")
			h.dropClient(c)
			c.conn.Close()
		}
	}
}

// applySubscribe re-checks the connection's token hash against the
// revocation registry before honoring a subscribe frame: a token can be
// revoked mid-session after the initial handshake succeeded.
func (h *Hub) applySubscribe(c *client, tokens []uint32) {
	if h.verifier != nil && h.verifier.IsRevoked(c.tokenHash) {
		h.send(c, errorFrame{Type: "error", Message: "identity token revoked"})
		metrics.RecordHubDisconnect("revoked_token")
		h.dropClient(c)
		c.conn.Close()
		return
	}

	h.mu.Lock()
	c.mu.Lock()
	for _, tok := range tokens {
		c.subs[tok] = struct{}{}
		set, ok := h.subscribers[tok]
		if !ok {
			set = make(map[string]*client)
			h.subscribers[tok] = set
		}
		set[c.id] = c
	}
	c.mu.Unlock()
	h.mu.Unlock()

	h.send(c, subscribedFrame{Type: "subscribed", Tokens: tokens})
}

func (h *Hub) applyUnsubscribe(c *client, tokens []uint32) {
	h.mu.Lock()
	c.mu.Lock()
	for _, tok := range tokens {
		delete(c.subs, tok)
		if set, ok := h.subscribers[tok]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subscribers, tok)
			}
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()

	h.send(c, unsubscribedFrame{Type: "unsubscribed", Tokens: tokens})
}

// dropClient removes c from the registry and its subscriptions and closes
// its send channel, unblocking the write pump. Guarded by h.mu rather than
// routed through the unregister channel, so it is safe to call from any
// goroutine, including Run itself when a forced disconnect (slow client,
// revoked token) is decided mid-loop. Idempotent: a second call on an
// already-removed client is a no-op.
func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.removeFromAllTopicsLocked(c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(count)
}

// removeFromAllTopicsLocked drops c from every token's subscriber set.
// Callers must hold h.mu.
func (h *Hub) removeFromAllTopicsLocked(c *client) {
	c.mu.Lock()
	tokens := make([]uint32, 0, len(c.subs))
	for tok := range c.subs {
		tokens = append(tokens, tok)
	}
	c.mu.Unlock()

	for _, tok := range tokens {
		if set, ok := h.subscribers[tok]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subscribers, tok)
			}
		}
	}
}

// ServeWs authenticates the connect-time identity token, upgrades the
// request to a WebSocket, and spawns the read/write pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing identity token", http.StatusUnauthorized)
		return
	}

	claims, tokenHash, err := h.verifier.Verify(token)
	if err != nil {
		logging.Warn("hub: connect auth failed", logging.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("hub: upgrade failed", logging.Err(err))
		return
	}

	c := &client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, h.cfg.SendBuffer),
		userID:    claims.UserID,
		tokenHash: tokenHash,
		subs:      make(map[uint32]struct{}),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(c, raw)
	}
}

// handleClientMessage parses one inbound frame and dispatches it. A
// malformed frame or unknown action produces an error frame but never
// closes the connection, per the protocol's forgiving-client contract.
func (h *Hub) handleClientMessage(c *client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.send(c, errorFrame{Type: "error", Message: "malformed frame"})
		return
	}

	switch msg.Action {
	case "subscribe":
		h.subscribe <- subRequest{c: c, tokens: msg.Tokens}
	case "unsubscribe":
		h.unsub <- subRequest{c: c, tokens: msg.Tokens}
	case "ping":
		h.send(c, pongFrame{Type: "pong"})
	default:
		h.send(c, errorFrame{Type: "error", Message: "unknown action: " + msg.Action})
	}
}

func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// ClientCount reports the number of currently registered connections, for
// health/admin endpoints.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
