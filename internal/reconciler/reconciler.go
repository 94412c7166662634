// Package reconciler implements the subscription reconciler (C9): it
// compares desired subscription state against what each account's
// connection pool actually holds and applies the minimal set of
// subscribe/unsubscribe calls to close the gap.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/epic1st/optionstream/backend/internal/domain"
	"github.com/epic1st/optionstream/backend/internal/logging"
	"github.com/epic1st/optionstream/backend/internal/metrics"
)

// AccountPool is the narrow view of internal/pool.AccountPool the
// reconciler needs: apply deltas and read the live token set. Satisfied
// structurally by *pool.AccountPool.
type AccountPool interface {
	Subscribe(ctx context.Context, tokens []uint32) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	LiveTokens() map[uint32]struct{}
}

// PoolManager resolves (and lazily creates) the per-account pool the
// reconciler applies deltas against.
type PoolManager interface {
	PoolFor(accountID string) AccountPool
}

// SubscriptionStore is the persistence surface the reconciler reads
// desired state from and writes assignments back to.
type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	AssignAccount(ctx context.Context, token uint32, accountID string) error
}

// SessionOrchestrator supplies the set of accounts eligible to receive new
// assignments: authenticated, breaker not Open.
type SessionOrchestrator interface {
	AvailableAccounts(ctx context.Context) ([]domain.TradingAccount, error)
}

// Reconciler ties the store, session orchestrator, and connection pools
// together to keep upstream subscriptions matching desired state.
type Reconciler struct {
	store       SubscriptionStore
	sessions    SessionOrchestrator
	pools       PoolManager
	accountCap  int
	requeueOnce sync.Once
	requeue     func()

	mu         sync.Mutex
	degraded   map[uint32]string // token -> reason, runtime-only "inactive_temp" tracking
}

// New constructs a Reconciler. accountCap is accountTokenCap =
// maxPerConn x maxConnsPerAccount, the same ceiling every account pool in
// this deployment shares.
func New(store SubscriptionStore, sessions SessionOrchestrator, pools PoolManager, accountCap int) *Reconciler {
	return &Reconciler{
		store:      store,
		sessions:   sessions,
		pools:      pools,
		accountCap: accountCap,
		degraded:   make(map[uint32]string),
	}
}

// SetRequeue wires the debounced reloader's Trigger so a reconcile that
// hits capacity or auth rejections can schedule another pass. Safe to
// call at most once; later calls are ignored.
func (r *Reconciler) SetRequeue(fn func()) {
	r.requeueOnce.Do(func() { r.requeue = fn })
}

// DegradedReason reports the runtime-only inactive_temp reason recorded
// for token, if any. Never persisted; cleared on the next pass that
// successfully places the token.
func (r *Reconciler) DegradedReason(token uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.degraded[token]
	return reason, ok
}

// Reconcile runs one full pass: load desired state, compute account
// assignment, diff against live subscriptions, and apply. Intended to be
// driven through internal/reloader so concurrent triggers coalesce into a
// single pass that runs to completion before the next begins.
func (r *Reconciler) Reconcile(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveReconcileDuration(time.Since(start)) }()

	subs, err := r.store.ActiveSubscriptions(ctx)
	if err != nil {
		logging.Error("reconcile: load active subscriptions", err)
		return
	}

	accounts, err := r.sessions.AvailableAccounts(ctx)
	if err != nil {
		logging.Error("reconcile: load available accounts", err)
		return
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountID < accounts[j].AccountID })

	assignment, rejected := r.assign(subs, accounts)

	anyRejected := len(rejected) > 0
	r.mu.Lock()
	for tok := range r.degraded {
		if _, stillRejected := rejected[tok]; !stillRejected {
			delete(r.degraded, tok)
		}
	}
	for tok, reason := range rejected {
		r.degraded[tok] = reason
	}
	r.mu.Unlock()

	for _, acct := range accounts {
		r.applyAccount(ctx, acct.AccountID, assignment[acct.AccountID])
	}

	if anyRejected && r.requeue != nil {
		r.requeue()
	}
}

// assign computes accountID -> desired token set under the sticky-then-
// most-remaining-capacity placement policy, returning any tokens that
// could not be placed (capacity exhausted across every available
// account) mapped to their rejection reason.
func (r *Reconciler) assign(subs []domain.Subscription, accounts []domain.TradingAccount) (map[string][]uint32, map[uint32]string) {
	available := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		available[a.AccountID] = struct{}{}
	}

	remaining := make(map[string]int, len(accounts))
	for _, a := range accounts {
		remaining[a.AccountID] = r.accountCap
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Token < subs[j].Token })

	assignment := make(map[string][]uint32)
	rejected := make(map[uint32]string)

	for _, sub := range subs {
		chosen := ""

		if sub.AccountID != "" {
			if _, ok := available[sub.AccountID]; ok && remaining[sub.AccountID] > 0 {
				chosen = sub.AccountID
			}
		}

		if chosen == "" {
			best := ""
			bestRemaining := 0
			for _, a := range accounts {
				if remaining[a.AccountID] > bestRemaining {
					best = a.AccountID
					bestRemaining = remaining[a.AccountID]
				}
			}
			chosen = best
		}

		if chosen == "" {
			rejected[sub.Token] = "capacity_exhausted"
			continue
		}

		assignment[chosen] = append(assignment[chosen], sub.Token)
		remaining[chosen]--
	}

	return assignment, rejected
}

// applyAccount diffs desired against live for one account and applies the
// delta: unsubscribe first, then subscribe, persisting any newly assigned
// accountId back to the subscription record.
func (r *Reconciler) applyAccount(ctx context.Context, accountID string, desired []uint32) {
	p := r.pools.PoolFor(accountID)
	live := p.LiveTokens()

	desiredSet := make(map[uint32]struct{}, len(desired))
	for _, tok := range desired {
		desiredSet[tok] = struct{}{}
	}

	var toUnsubscribe, toSubscribe []uint32
	for tok := range live {
		if _, wanted := desiredSet[tok]; !wanted {
			toUnsubscribe = append(toUnsubscribe, tok)
		}
	}
	for tok := range desiredSet {
		if _, alreadyLive := live[tok]; !alreadyLive {
			toSubscribe = append(toSubscribe, tok)
		}
	}

	if len(toUnsubscribe) > 0 {
		sort.Slice(toUnsubscribe, func(i, j int) bool { return toUnsubscribe[i] < toUnsubscribe[j] })
		if err := p.Unsubscribe(ctx, toUnsubscribe); err != nil {
			logging.Warn("reconcile: unsubscribe failed", logging.String("account_id", accountID), logging.Err(err))
		}
		metrics.RecordReconcileDelta("unsubscribe", len(toUnsubscribe))
	}

	if len(toSubscribe) > 0 {
		sort.Slice(toSubscribe, func(i, j int) bool { return toSubscribe[i] < toSubscribe[j] })
		if err := p.Subscribe(ctx, toSubscribe); err != nil {
			logging.Warn("reconcile: subscribe failed", logging.String("account_id", accountID), logging.Err(err))
			r.mu.Lock()
			for _, tok := range toSubscribe {
				r.degraded[tok] = "subscribe_rejected"
			}
			r.mu.Unlock()
			if r.requeue != nil {
				r.requeue()
			}
			return
		}
		metrics.RecordReconcileDelta("subscribe", len(toSubscribe))

		for _, tok := range toSubscribe {
			if err := r.store.AssignAccount(ctx, tok, accountID); err != nil {
				logging.Warn("reconcile: persist account assignment failed",
					logging.String("account_id", accountID), logging.Err(err))
			}
		}
	}
}
