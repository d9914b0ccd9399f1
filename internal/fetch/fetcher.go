// Package fetch is the resilient data-access layer between task workers and
// the upstream API. Every call runs the same pipeline:
//
//	cache -> rate limiter -> in-flight dedup -> bounded retry -> cache fill
//
// A per-key circuit breaker sits around the upstream call so a dead server
// sheds load instead of burning the rate budget.
package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"tgraph/internal/eventbus"
	"tgraph/pkg/logx"
)

// Source performs the actual upstream call for a key.
// Transient errors (timeouts, 5xx) should satisfy Transient() so the
// fetcher's short retry loop can distinguish them.
type Source interface {
	Fetch(ctx context.Context, key string) (any, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, key string) (any, error)

func (f SourceFunc) Fetch(ctx context.Context, key string) (any, error) { return f(ctx, key) }

// Transient classifies whether an upstream error is worth retrying inside
// one Fetch call. Wired to tautulli.IsTransient by the orchestrator.
type Transient func(error) bool

// Settings tunes the fetch pipeline.
type Settings struct {
	RateCapacity int           // token bucket burst
	RateRefill   float64       // tokens per second
	CacheTTL     time.Duration // 0 disables caching
	RetryMax     int           // in-pipeline retries after the first attempt
	RetryBase    time.Duration

	CircuitTrip     int
	CircuitCooldown time.Duration
	CircuitMaxDelay time.Duration
}

// Stats are monotonic pipeline counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Shared   uint64 // calls coalesced onto another in-flight fetch
	Upstream uint64 // upstream attempts actually sent
	Rejected uint64 // circuit-open rejections
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Fetcher is safe for concurrent use by all workers.
type Fetcher struct {
	source    Source
	transient Transient

	limiter  *rate.Limiter
	group    singleflight.Group
	breakers *breakerSet

	mu      sync.Mutex
	cache   map[string]cacheEntry
	ttl     time.Duration
	retries int
	backoff time.Duration
	closed  bool
	stats   Stats

	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

// New builds a fetcher over source. bus may be nil.
func New(source Source, s Settings, transient Transient, bus eventbus.Bus, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if transient == nil {
		transient = func(error) bool { return false }
	}
	if s.RateCapacity <= 0 {
		s.RateCapacity = 4
	}
	if s.RateRefill <= 0 {
		s.RateRefill = 2.0
	}
	if s.RetryBase <= 0 {
		s.RetryBase = 250 * time.Millisecond
	}
	return &Fetcher{
		source:    source,
		transient: transient,
		limiter:   rate.NewLimiter(rate.Limit(s.RateRefill), s.RateCapacity),
		breakers: newBreakerSet(breakerPolicy{
			Trip:        s.CircuitTrip,
			Cooldown:    s.CircuitCooldown,
			MaxCooldown: s.CircuitMaxDelay,
		}, bus, log),
		cache:   make(map[string]cacheEntry),
		ttl:     s.CacheTTL,
		retries: s.RetryMax,
		backoff: s.RetryBase,
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Apply updates tunables from a config reload. The cache and breaker
// history survive; only the knobs change.
func (f *Fetcher) Apply(s Settings) {
	if s.RateRefill > 0 {
		f.limiter.SetLimit(rate.Limit(s.RateRefill))
	}
	if s.RateCapacity > 0 {
		f.limiter.SetBurst(s.RateCapacity)
	}
	f.breakers.setPolicy(breakerPolicy{
		Trip:        s.CircuitTrip,
		Cooldown:    s.CircuitCooldown,
		MaxCooldown: s.CircuitMaxDelay,
	})

	f.mu.Lock()
	if s.CacheTTL >= 0 {
		f.ttl = s.CacheTTL
	}
	if s.RetryMax >= 0 {
		f.retries = s.RetryMax
	}
	if s.RetryBase > 0 {
		f.backoff = s.RetryBase
	}
	f.mu.Unlock()
}

// Fetch returns the value for key, from cache when fresh, otherwise from
// upstream. Concurrent calls for the same key share one upstream request.
func (f *Fetcher) Fetch(ctx context.Context, key string) (any, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := f.cache[key]; ok && f.now().Before(e.expires) {
		f.stats.Hits++
		f.mu.Unlock()
		f.publish(eventbus.TypeFetchHit, key)
		return e.value, nil
	}
	f.stats.Misses++
	f.mu.Unlock()
	f.publish(eventbus.TypeFetchMiss, key)

	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.fill(ctx, key)
	})
	if shared {
		f.mu.Lock()
		f.stats.Shared++
		f.mu.Unlock()
	}
	return v, err
}

// Invalidate drops a cached entry, forcing the next Fetch upstream.
func (f *Fetcher) Invalidate(key string) {
	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()
}

// Close rejects further fetches and clears the cache.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.cache = make(map[string]cacheEntry)
	f.mu.Unlock()
}

// Stats returns a copy of the pipeline counters.
func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// fill runs the breaker/limiter/retry pipeline and populates the cache.
// Exactly one goroutine per key is in here at a time (singleflight).
func (f *Fetcher) fill(ctx context.Context, key string) (any, error) {
	if err := f.breakers.allow(key); err != nil {
		f.mu.Lock()
		f.stats.Rejected++
		f.mu.Unlock()
		return nil, err
	}
	// Early returns below (cancellation before or between attempts) reach no
	// verdict; release a half-open probe so the breaker isn't wedged.
	settled := false
	defer func() {
		if !settled {
			f.breakers.abandon(key)
		}
	}()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	retries := f.retries
	backoff := f.backoff
	f.mu.Unlock()

	var lastErr error
	for attempt := 0; ; attempt++ {
		f.mu.Lock()
		f.stats.Upstream++
		f.mu.Unlock()
		f.publish(eventbus.TypeFetchUpstream, key)

		v, err := f.source.Fetch(ctx, key)
		if err == nil {
			settled = true
			f.breakers.success(key)
			f.store(key, v)
			return v, nil
		}
		lastErr = err

		if attempt >= retries || !f.transient(err) || ctx.Err() != nil {
			break
		}
		delay := backoff << attempt
		f.log.Debug("upstream retry",
			logx.String("key", key),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	settled = true
	f.breakers.failure(key)
	f.log.Warn("upstream fetch failed", logx.String("key", key), logx.Err(lastErr))
	return nil, lastErr
}

func (f *Fetcher) publish(typ, key string) {
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: typ, Data: key})
	}
}

func (f *Fetcher) store(key string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.ttl <= 0 {
		return
	}
	f.cache[key] = cacheEntry{value: v, expires: f.now().Add(f.ttl)}
}
