// Package guard rate-limits remote callers and blacklists the abusive ones.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/metrics"
	"github.com/harunnryd/voxarb/pkg/params"
	"github.com/harunnryd/voxarb/pkg/resilience"
)

const (
	DefaultIgnore = 4
	DefaultRate   = 4.0
	DefaultBurst  = 1
)

type Options struct {
	// Ignore is how many requests per process are granted without throttling.
	Ignore int
	// Rate is the steady token rate per second after Ignore is exhausted.
	Rate  float64
	Burst int

	Policy   Policy
	Store    Store
	Now      func() time.Time
	Observer metrics.Observer
	Logger   *slog.Logger
	Retry    resilience.RetryPolicy
	// Persist runs a store append. Defaults to running it inline.
	Persist func(fn func(ctx context.Context))
}

// Guard gates remote requests. GrantAcquire is expected to be called from
// the arbitration loop; Blacklisted is safe from any goroutine.
type Guard struct {
	ignore   int
	limiter  *rate.Limiter
	policy   Policy
	store    Store
	now      func() time.Time
	observer metrics.Observer
	logger   *slog.Logger
	retry    resilience.RetryPolicy
	persist  func(fn func(ctx context.Context))

	count atomic.Int64

	mu      sync.Mutex
	records []CallerRecord

	blacklist atomic.Pointer[map[string]struct{}]
}

// New builds a guard and loads the persisted blacklist snapshot.
func New(ctx context.Context, opts Options) (*Guard, error) {
	if opts.Ignore < 0 {
		opts.Ignore = 0
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = resilience.NewRetryPolicy(2, 100*time.Millisecond)
	}
	if opts.Persist == nil {
		opts.Persist = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}

	g := &Guard{
		ignore:   opts.Ignore,
		limiter:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		policy:   opts.Policy,
		store:    opts.Store,
		now:      opts.Now,
		observer: opts.Observer,
		logger:   logging.NewComponentLogger(opts.Logger, "guard"),
		retry:    opts.Retry,
		persist:  opts.Persist,
	}

	ids, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreLoad)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	g.blacklist.Store(&set)
	g.logger.Info("guard_ready", "blacklisted", len(set), "ignore", g.ignore, "rate", opts.Rate)
	return g, nil
}

// Blacklisted reports whether caller is on the blacklist snapshot.
func (g *Guard) Blacklisted(caller params.CallerIdentity) bool {
	set := g.blacklist.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[caller.Key()]
	return ok
}

// Count is the number of requests counted so far.
func (g *Guard) Count() int64 {
	return g.count.Load()
}

// GrantAcquire decides whether a remote request may proceed.
func (g *Guard) GrantAcquire(ctx context.Context, caller params.CallerIdentity) bool {
	if g.Blacklisted(caller) {
		g.logger.Warn("caller_blacklisted", "caller", caller.String())
		return false
	}
	n := g.count.Add(1)
	if n <= int64(g.ignore) {
		return true
	}
	now := g.now()
	if g.limiter.AllowN(now, 1) {
		return true
	}

	g.logger.Warn("throttle_denied", "caller", caller.String(), "count", n)
	metrics.Emit(g.observer, metrics.EventThrottleDenied, map[string]string{"caller": caller.Key()})

	rec := recordFor(caller, now)
	g.mu.Lock()
	g.records = append(prune(g.records, now.Add(-g.policy.Horizon())), rec)
	abusive := g.policy.ShouldBlacklist(g.records, rec, now)
	g.mu.Unlock()
	if abusive {
		g.add(ctx, caller)
	}
	return false
}

// Records returns the rolling abuse list.
func (g *Guard) Records() []CallerRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]CallerRecord, len(g.records))
	copy(out, g.records)
	return out
}

func (g *Guard) add(ctx context.Context, caller params.CallerIdentity) {
	key := caller.Key()
	for {
		old := g.blacklist.Load()
		if _, ok := (*old)[key]; ok {
			return
		}
		next := make(map[string]struct{}, len(*old)+1)
		for k := range *old {
			next[k] = struct{}{}
		}
		next[key] = struct{}{}
		if g.blacklist.CompareAndSwap(old, &next) {
			break
		}
	}
	g.logger.Warn("caller_blacklist_added", "caller", caller.String())
	metrics.Emit(g.observer, metrics.EventBlacklisted, map[string]string{"caller": key})

	store, retry, logger := g.store, g.retry, g.logger
	g.persist(func(bg context.Context) {
		if ctx != nil && ctx.Err() == nil {
			bg = ctx
		}
		err := retry.Do(bg, func() error { return store.Append(bg, key) })
		if err != nil {
			logger.Error("blacklist_persist_failed", "caller", key, "error", errorsx.Wrap(err, errorsx.ReasonStoreAppend))
		}
	})
}

func prune(records []CallerRecord, since time.Time) []CallerRecord {
	i := 0
	for i < len(records) && records[i].FirstSeenAt.Before(since) {
		i++
	}
	if i == 0 {
		return records
	}
	return append(records[:0], records[i:]...)
}
