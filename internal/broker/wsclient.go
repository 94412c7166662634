package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/pool"
)

// WSClientConfig dials one upstream tick-feed connection.
type WSClientConfig struct {
	URL           string
	APIKey        string
	AccessToken   string
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
}

func (c WSClientConfig) withDefaults() WSClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// subscribeFrame and unsubscribeFrame are the wire shape of the vendor's
// subscribe/unsubscribe commands.
type subscribeFrame struct {
	Action string   `json:"a"`
	Tokens []uint32 `json:"v"`
	Mode   string   `json:"mode,omitempty"`
}

// tickFrame is the wire shape of one inbound tick within a batch.
type tickFrame struct {
	Token uint32          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// WSConn is the concrete pool.Conn implementation talking to the upstream
// vendor's WebSocket tick feed. Grounded on the teacher's binance client
// for its non-blocking read loop and heartbeat/reconnect idiom,
// generalized from a single hardcoded stream to an arbitrary token set.
type WSConn struct {
	cfg       WSClientConfig
	accountID string
	handler   pool.TickHandler

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}
}

// NewWSConn is a pool.Dialer producing WSConn instances.
func NewWSConn(cfg WSClientConfig) pool.Dialer {
	return func(accountID string, handler pool.TickHandler) pool.Conn {
		return &WSConn{
			cfg:       cfg.withDefaults(),
			accountID: accountID,
			handler:   handler,
		}
	}
}

func (c *WSConn) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Bearer %s:%s", c.cfg.APIKey, c.cfg.AccessToken)},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	go c.readLoop(stop)
	go c.heartbeat(stop)

	return nil
}

func (c *WSConn) readLoop(stop chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logging.Warn("upstream read error", logging.String("account_id", c.accountID), logging.Err(err))
			return
		}
		c.dispatch(message)
	}
}

func (c *WSConn) dispatch(message []byte) {
	var frames []tickFrame
	if err := json.Unmarshal(message, &frames); err != nil {
		logging.Debug("discarding unparseable upstream frame", logging.String("account_id", c.accountID))
		return
	}

	ticks := make([]pool.RawTick, 0, len(frames))
	for _, f := range frames {
		ticks = append(ticks, pool.RawTick{Token: f.Token, Data: f.Data})
	}
	if len(ticks) > 0 {
		c.handler(c.accountID, ticks)
	}
}

func (c *WSConn) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logging.Warn("upstream ping failed", logging.String("account_id", c.accountID), logging.Err(err))
			}
		}
	}
}

func (c *WSConn) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *WSConn) send(v any) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, body)
}

func (c *WSConn) Subscribe(ctx context.Context, tokens []uint32) error {
	return c.send(subscribeFrame{Action: "subscribe", Tokens: tokens})
}

func (c *WSConn) Unsubscribe(ctx context.Context, tokens []uint32) error {
	return c.send(subscribeFrame{Action: "unsubscribe", Tokens: tokens})
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WSConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
