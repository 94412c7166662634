package ticks

import (
	"context"
	"sync"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/pubsub"
)

// BatchConfig governs the per-topic batching buffer: flush on size B or
// age W, whichever comes first.
type BatchConfig struct {
	Enabled bool
	MaxSize int
	Window  time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.Window <= 0 {
		c.Window = 100 * time.Millisecond
	}
	return c
}

// batcher buffers OptionSnapshots per topic and flushes them as a single
// JSON array payload, bounding publish call volume during bursts.
type batcher struct {
	cfg BatchConfig
	pub pubsub.Publisher

	mu  sync.Mutex
	buf map[string][]domain.OptionSnapshot

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

func newBatcher(cfg BatchConfig, pub pubsub.Publisher) *batcher {
	return &batcher{
		cfg:    cfg.withDefaults(),
		pub:    pub,
		buf:    make(map[string][]domain.OptionSnapshot),
		timers: make(map[string]*time.Timer),
	}
}

// append adds a snapshot to topic's buffer, flushing immediately if it is
// not in batching mode or the buffer just crossed MaxSize.
func (b *batcher) append(ctx context.Context, topic string, snap domain.OptionSnapshot) {
	if !b.cfg.Enabled {
		b.publish(ctx, topic, []domain.OptionSnapshot{snap})
		return
	}

	b.mu.Lock()
	b.buf[topic] = append(b.buf[topic], snap)
	full := len(b.buf[topic]) >= b.cfg.MaxSize
	var flushNow []domain.OptionSnapshot
	if full {
		flushNow = b.buf[topic]
		b.buf[topic] = nil
	}
	b.mu.Unlock()

	if full {
		b.publish(ctx, topic, flushNow)
		return
	}

	b.ensureTimer(ctx, topic)
}

func (b *batcher) ensureTimer(ctx context.Context, topic string) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if _, ok := b.timers[topic]; ok {
		return
	}
	b.timers[topic] = time.AfterFunc(b.cfg.Window, func() {
		b.timerMu.Lock()
		delete(b.timers, topic)
		b.timerMu.Unlock()
		b.flush(ctx, topic)
	})
}

// flush publishes whatever topic currently holds, if anything.
func (b *batcher) flush(ctx context.Context, topic string) {
	b.mu.Lock()
	pending := b.buf[topic]
	b.buf[topic] = nil
	b.mu.Unlock()

	if len(pending) > 0 {
		b.publish(ctx, topic, pending)
	}
}

func (b *batcher) publish(ctx context.Context, topic string, snaps []domain.OptionSnapshot) {
	body, err := pubsub.MarshalEnvelope(snaps)
	if err != nil {
		logging.Error("marshal option snapshot batch", err, logging.String("topic", topic))
		return
	}
	if err := b.pub.Publish(ctx, topic, body); err != nil {
		logging.Warn("publish option snapshot batch failed", logging.String("topic", topic), logging.Err(err))
	}
}
