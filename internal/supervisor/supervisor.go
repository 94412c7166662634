// Package supervisor runs named work units as independent goroutines,
// recovering panics so that one unit's failure never takes down its
// siblings.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// Outcome reports how a supervised unit ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// Work is the function a supervised unit runs. It should return promptly
// when ctx is cancelled.
type Work func(ctx context.Context) error

// OnError is invoked, if provided, when a unit panics or returns a
// non-cancellation error.
type OnError func(name string, err error)

// Run launches fn under name as an independent goroutine and returns
// immediately. It captures panics, logs them with name and a stack trace,
// and invokes onError (if non-nil) without affecting any other supervised
// unit.
func Run(ctx context.Context, name string, fn Work, onError OnError) {
	go func() {
		outcome, err := runOnce(ctx, name, fn)
		switch outcome {
		case OutcomeCancelled:
			logging.Info("supervised unit cancelled", logging.Component("supervisor"), logging.String("unit", name))
		case OutcomeFailed:
			logging.Error("supervised unit failed", err, logging.Component("supervisor"), logging.String("unit", name))
			metrics.RecordSupervisedUnitFailure(name)
			if onError != nil {
				onError(name, err)
			}
		case OutcomeCompleted:
			logging.Debug("supervised unit completed", logging.Component("supervisor"), logging.String("unit", name))
		}
	}()
}

func runOnce(ctx context.Context, name string, fn Work) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
			outcome = OutcomeFailed
		}
	}()

	err = fn(ctx)
	if err == nil {
		return OutcomeCompleted, nil
	}
	if ctx.Err() != nil {
		return OutcomeCancelled, nil
	}
	return OutcomeFailed, err
}

type unitResult struct {
	name    string
	outcome Outcome
	err     error
}

// Group supervises a fixed set of named units and blocks until every one
// of them has returned, used at startup/shutdown boundaries where the
// caller needs a join point (unlike Run, which fires and forgets).
type Group struct {
	ctx  context.Context
	done chan unitResult
	n    int
}

// NewGroup creates a Group bound to ctx.
func NewGroup(ctx context.Context) *Group {
	return &Group{ctx: ctx, done: make(chan unitResult)}
}

// Go launches fn under name as part of the group.
func (g *Group) Go(name string, fn Work) {
	g.n++
	go func() {
		outcome, err := runOnce(g.ctx, name, fn)
		g.done <- unitResult{name, outcome, err}
	}()
}

// Wait blocks until every unit launched via Go has returned, logging
// failures as they arrive.
func (g *Group) Wait() {
	for i := 0; i < g.n; i++ {
		r := <-g.done
		if r.outcome == OutcomeFailed {
			logging.Error("supervised unit failed", r.err, logging.Component("supervisor"), logging.String("unit", r.name))
			metrics.RecordSupervisedUnitFailure(r.name)
		}
	}
}
