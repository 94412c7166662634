// Package reloader implements a debounced, coalescing trigger used to drive
// the subscription reconciler: many rapid triggers collapse into a single
// reload run.
package reloader

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ReloadFunc performs the actual reload work. It should be idempotent and
// safe to call repeatedly.
type ReloadFunc func()

// Reloader debounces calls to Trigger, running the wrapped ReloadFunc at
// most once per debounce/minInterval window regardless of how many times
// Trigger is called while a wait is in progress.
type Reloader struct {
	debounce    time.Duration
	minInterval time.Duration
	reload      ReloadFunc

	mu        sync.Mutex
	pending   bool
	lastRunAt time.Time
	wake      chan struct{}
	sem       *semaphore.Weighted // guards reload against re-entrant runs

	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Reloader. debounce is how long to wait after the last
// trigger before running; minInterval is the minimum spacing enforced
// between consecutive runs.
func New(debounce, minInterval time.Duration, reload ReloadFunc) *Reloader {
	r := &Reloader{
		debounce:    debounce,
		minInterval: minInterval,
		reload:      reload,
		wake:        make(chan struct{}, 1),
		sem:         semaphore.NewWeighted(1),
		stop:        make(chan struct{}),
	}
	go r.loop()
	return r
}

// Trigger schedules a reload without blocking. Multiple triggers that occur
// before the debounce/minInterval waits elapse collapse into one run.
func (r *Reloader) Trigger() {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop halts the reloader's background loop. Safe to call more than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reloader) loop() {
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}

		r.mu.Lock()
		if !r.pending {
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		select {
		case <-time.After(r.debounce):
		case <-r.stop:
			return
		}

		r.mu.Lock()
		wait := r.minInterval - time.Since(r.lastRunAt)
		r.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-r.stop:
				return
			}
		}

		_ = r.sem.Acquire(context.Background(), 1)
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()

		r.reload()

		r.mu.Lock()
		r.lastRunAt = time.Now()
		r.mu.Unlock()
		r.sem.Release(1)
	}
}
