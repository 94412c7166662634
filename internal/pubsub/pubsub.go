// Package pubsub implements the gateway's internal publish bus: a
// circuit-broken publisher over Redis pub/sub. It does not batch; the
// per-topic batcher in internal/ticks batches before publishing.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/epic1st/optionstream/backend/internal/breaker"
	"github.com/epic1st/optionstream/backend/internal/logging"
)

// Publisher publishes payloads to a topic, dropping rather than blocking
// when the underlying transport is unhealthy.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Config controls retry behavior and the breaker guarding publish calls.
type Config struct {
	Retries       int
	RetryBackoff  time.Duration
	BreakerConfig breaker.Config
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 20 * time.Millisecond
	}
	return c
}

// RedisPublisher publishes to Redis channels, matching one channel per
// topic. A single breaker guards every topic, since a Redis outage affects
// all of them identically.
type RedisPublisher struct {
	client  *redis.Client
	cfg     Config
	breaker *breaker.Breaker
	metrics DropRecorder
}

// DropRecorder receives a count of dropped messages per topic; satisfied by
// internal/metrics.
type DropRecorder interface {
	RecordPublishDrop(topic string)
	RecordPublishRetry(topic string)
}

type noopRecorder struct{}

func (noopRecorder) RecordPublishDrop(string)  {}
func (noopRecorder) RecordPublishRetry(string) {}

// NewRedisPublisher dials Redis using addr/password/db and wraps it with a
// breaker per Config.
func NewRedisPublisher(addr, password string, db int, cfg Config, metrics DropRecorder) *RedisPublisher {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = noopRecorder{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{
		client:  client,
		cfg:     cfg,
		breaker: breaker.New("pubsub", cfg.BreakerConfig),
		metrics: metrics,
	}
}

// Publish attempts to deliver payload on topic. Per §4.2: if the breaker
// refuses the call, the message is dropped and Publish returns nil — the
// tick pipeline must never block on a failing bus. Otherwise it retries up
// to cfg.Retries times before recording the failure and dropping.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.breaker.CanExecute() {
		p.metrics.RecordPublishDrop(topic)
		logging.Debug("pubsub publish dropped: breaker open", logging.Component("pubsub"))
		return nil
	}

	var lastErr error
retry:
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.metrics.RecordPublishRetry(topic)
			select {
			case <-time.After(p.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			}
		}
		if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
			lastErr = err
			continue
		}
		p.breaker.RecordSuccess()
		return nil
	}

	p.breaker.RecordFailure()
	p.metrics.RecordPublishDrop(topic)
	logging.Warn("pubsub publish failed after retries, dropping",
		logging.Component("pubsub"), logging.String("topic", topic), logging.Err(lastErr))
	return nil
}

// Close releases the underlying Redis client.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Ping verifies the Redis connection is reachable, used by the health
// endpoint; it bypasses the publish breaker since a health probe should
// reflect the transport's real state, not the breaker's current mood.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Subscribe returns a channel of raw messages on topic, used by the client
// fan-out hub's single reader. The returned function unsubscribes and
// releases resources.
func (p *RedisPublisher) Subscribe(ctx context.Context, topics ...string) (<-chan *redis.Message, func() error) {
	sub := p.client.Subscribe(ctx, topics...)
	return sub.Channel(), sub.Close
}

// MarshalEnvelope is a small helper so every publisher call site serializes
// payloads the same way.
func MarshalEnvelope(v any) ([]byte, error) {
	return json.Marshal(v)
}
