package fetch

import (
	"sync"
	"time"

	"tgraph/internal/eventbus"
	"tgraph/pkg/logx"
)

// breakerPolicy controls when a key trips and how long it stays open.
type breakerPolicy struct {
	Trip        int           // consecutive failures before opening
	Cooldown    time.Duration // initial open duration
	MaxCooldown time.Duration // cap; cooldown doubles per consecutive open
}

// breakerSet tracks one circuit breaker per upstream key.
//
// Closed: calls pass, consecutive failures counted. Open: calls rejected
// until the cooldown elapses. Half-open: exactly one probe passes; its
// outcome closes the breaker or re-opens it with a doubled cooldown.
type breakerSet struct {
	mu     sync.Mutex
	states map[string]*breakerState
	policy breakerPolicy
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

type breakerState struct {
	failures  int
	openUntil time.Time
	cooldown  time.Duration
	probing   bool
}

func newBreakerSet(p breakerPolicy, bus eventbus.Bus, log logx.Logger) *breakerSet {
	if p.Trip <= 0 {
		p.Trip = 5
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 5 * time.Second
	}
	if p.MaxCooldown < p.Cooldown {
		p.MaxCooldown = p.Cooldown
	}
	return &breakerSet{
		states: make(map[string]*breakerState),
		policy: p,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

func (b *breakerSet) setPolicy(p breakerPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Trip > 0 {
		b.policy.Trip = p.Trip
	}
	if p.Cooldown > 0 {
		b.policy.Cooldown = p.Cooldown
	}
	if p.MaxCooldown >= b.policy.Cooldown {
		b.policy.MaxCooldown = p.MaxCooldown
	}
}

// allow reports whether a call for key may proceed. When the breaker is
// open it returns an *OpenError; when half-open it admits a single probe.
func (b *breakerSet) allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok || st.openUntil.IsZero() {
		return nil
	}
	now := b.now()
	if now.Before(st.openUntil) {
		return &OpenError{Key: key, Until: st.openUntil}
	}
	// Cooldown elapsed: admit one probe, reject the rest until it resolves.
	if st.probing {
		return &OpenError{Key: key, Until: st.openUntil}
	}
	st.probing = true
	b.log.Debug("circuit half-open; probing", logx.String("key", key))
	return nil
}

// abandon releases a half-open probe whose call never reached a verdict
// (context cancelled before the upstream answered). The breaker stays open
// with its current cooldown; the next caller may probe again.
func (b *breakerSet) abandon(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[key]; ok && st.probing {
		st.probing = false
		b.log.Debug("circuit probe abandoned", logx.String("key", key))
	}
}

// success closes the breaker for key and resets its failure history.
func (b *breakerSet) success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		return
	}
	wasOpen := !st.openUntil.IsZero()
	delete(b.states, key)
	if wasOpen {
		b.log.Info("circuit closed", logx.String("key", key))
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitClosed, Data: eventbus.CircuitTransition{Key: key}})
		}
	}
}

// failure records a failed call and opens the breaker once the consecutive
// failure count reaches the trip threshold. A failed half-open probe
// re-opens immediately with a doubled cooldown.
func (b *breakerSet) failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		st = &breakerState{}
		b.states[key] = st
	}
	st.failures++

	if st.probing {
		// Probe lost: back to open, longer this time.
		st.probing = false
		st.cooldown *= 2
		if st.cooldown > b.policy.MaxCooldown {
			st.cooldown = b.policy.MaxCooldown
		}
		b.openLocked(key, st)
		return
	}
	if st.openUntil.IsZero() && st.failures >= b.policy.Trip {
		st.cooldown = b.policy.Cooldown
		b.openLocked(key, st)
	}
}

func (b *breakerSet) openLocked(key string, st *breakerState) {
	st.openUntil = b.now().Add(st.cooldown)
	b.log.Warn("circuit opened",
		logx.String("key", key),
		logx.Int("failures", st.failures),
		logx.Duration("cooldown", st.cooldown),
	)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitOpened, Data: eventbus.CircuitTransition{
			Key: key, Failures: st.failures, OpenUntil: st.openUntil,
		}})
	}
}
