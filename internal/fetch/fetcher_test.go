package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgraph/internal/eventbus"
	"tgraph/pkg/logx"
)

var errTransient = errors.New("upstream hiccup")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

// countingSource returns canned values and counts upstream calls.
type countingSource struct {
	calls atomic.Int64
	fn    func(key string, call int64) (any, error)
}

func (s *countingSource) Fetch(_ context.Context, key string) (any, error) {
	n := s.calls.Add(1)
	if s.fn != nil {
		return s.fn(key, n)
	}
	return "value:" + key, nil
}

func fastSettings() Settings {
	return Settings{
		RateCapacity:    100,
		RateRefill:      1000,
		CacheTTL:        time.Minute,
		RetryMax:        2,
		RetryBase:       time.Millisecond,
		CircuitTrip:     3,
		CircuitCooldown: 30 * time.Millisecond,
		CircuitMaxDelay: 200 * time.Millisecond,
	}
}

func TestFetchCachesWithinTTL(t *testing.T) {
	src := &countingSource{}
	f := New(src, fastSettings(), isTransient, nil, logx.Nop())
	defer f.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := f.Fetch(ctx, "history")
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if v != "value:history" {
			t.Fatalf("fetch %d: %v", i, v)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	st := f.Stats()
	if st.Hits != 4 || st.Misses != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestExpiredEntryRefetches(t *testing.T) {
	src := &countingSource{}
	s := fastSettings()
	s.CacheTTL = time.Minute
	f := New(src, s, isTransient, nil, logx.Nop())
	defer f.Close()
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "k"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// Age the clock past the TTL instead of sleeping.
	f.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := f.Fetch(ctx, "k"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("upstream calls = %d, want 2", n)
	}
}

func TestConcurrentFetchesShareOneUpstreamCall(t *testing.T) {
	release := make(chan struct{})
	src := &countingSource{fn: func(key string, _ int64) (any, error) {
		<-release
		return "v", nil
	}}
	s := fastSettings()
	s.CacheTTL = 0 // no cache, pure dedup
	f := New(src, s, isTransient, nil, logx.Nop())
	defer f.Close()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Fetch(context.Background(), "same-key")
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let every caller reach the flight group
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	src := &countingSource{fn: func(_ string, call int64) (any, error) {
		if call < 3 {
			return nil, errTransient
		}
		return "ok", nil
	}}
	f := New(src, fastSettings(), isTransient, nil, logx.Nop())
	defer f.Close()

	v, err := f.Fetch(context.Background(), "k")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v != "ok" || src.calls.Load() != 3 {
		t.Fatalf("v=%v calls=%d", v, src.calls.Load())
	}
}

func TestNonTransientErrorDoesNotRetry(t *testing.T) {
	permanent := errors.New("bad api key")
	src := &countingSource{fn: func(string, int64) (any, error) { return nil, permanent }}
	f := New(src, fastSettings(), isTransient, nil, logx.Nop())
	defer f.Close()

	if _, err := f.Fetch(context.Background(), "k"); !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestCircuitOpensAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	src := &countingSource{fn: func(string, int64) (any, error) {
		if failing.Load() {
			return nil, errors.New("down")
		}
		return "back", nil
	}}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := fastSettings()
	s.CacheTTL = 0
	s.RetryMax = 0
	s.CircuitTrip = 3
	s.CircuitCooldown = 20 * time.Millisecond
	f := New(src, s, nil, bus, logx.Nop())
	defer f.Close()
	ctx := context.Background()

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(ctx, "k"); err == nil {
			t.Fatalf("fetch %d succeeded", i)
		}
	}
	callsAtTrip := src.calls.Load()

	// Open: rejected without touching the upstream.
	_, err := f.Fetch(ctx, "k")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Key != "k" {
		t.Fatalf("open error: %v", err)
	}
	if src.calls.Load() != callsAtTrip {
		t.Fatal("rejected call reached upstream")
	}

	// Half-open probe after the cooldown heals the circuit.
	failing.Store(false)
	time.Sleep(30 * time.Millisecond)
	v, err := f.Fetch(ctx, "k")
	if err != nil || v != "back" {
		t.Fatalf("probe: v=%v err=%v", v, err)
	}
	if _, err := f.Fetch(ctx, "k"); err != nil {
		t.Fatalf("after recovery: %v", err)
	}

	var opened, closed bool
	for {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.TypeCircuitOpened:
				opened = true
			case eventbus.TypeCircuitClosed:
				closed = true
			}
			if opened && closed {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("missing circuit events: opened=%v closed=%v", opened, closed)
		}
	}
}

func TestCancelledProbeDoesNotWedgeBreaker(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	src := &countingSource{fn: func(string, int64) (any, error) {
		if failing.Load() {
			return nil, errors.New("down")
		}
		return "back", nil
	}}

	s := fastSettings()
	s.CacheTTL = 0
	s.RetryMax = 0
	s.CircuitTrip = 1
	s.CircuitCooldown = 10 * time.Millisecond
	f := New(src, s, nil, nil, logx.Nop())
	defer f.Close()

	// Trip the breaker, then let the cooldown elapse.
	if _, err := f.Fetch(context.Background(), "k"); err == nil {
		t.Fatal("failing fetch succeeded")
	}
	time.Sleep(20 * time.Millisecond)

	// The probe slot is claimed but the caller bails at the limiter: no
	// verdict, and the slot must be released.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(cancelled, "k"); err == nil {
		t.Fatal("fetch with cancelled context succeeded")
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("cancelled probe reached upstream: calls = %d", n)
	}

	// A later healthy call must be admitted as the next probe and close
	// the circuit.
	failing.Store(false)
	v, err := f.Fetch(context.Background(), "k")
	if err != nil || v != "back" {
		t.Fatalf("recovery fetch: v=%v err=%v", v, err)
	}
}

func TestLimiterPacesUpstreamCalls(t *testing.T) {
	src := &countingSource{}
	s := fastSettings()
	s.CacheTTL = 0
	s.RateCapacity = 1
	s.RateRefill = 100 // one token every 10ms
	f := New(src, s, isTransient, nil, logx.Nop())
	defer f.Close()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := f.Fetch(ctx, "k"); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	// First call spends the burst token; the remaining four wait a refill
	// interval each.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("5 fetches finished in %v, want >= 40ms of pacing", elapsed)
	}
	if n := src.calls.Load(); n != 5 {
		t.Fatalf("upstream calls = %d, want 5", n)
	}
}

func TestFailedProbeReopensWithLongerCooldown(t *testing.T) {
	b := newBreakerSet(breakerPolicy{Trip: 1, Cooldown: 10 * time.Millisecond, MaxCooldown: time.Second}, nil, logx.Nop())
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }

	b.failure("k") // trips at 1
	if err := b.allow("k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("allow while open: %v", err)
	}

	// Cooldown elapses; one probe allowed, the rest rejected.
	base = base.Add(15 * time.Millisecond)
	if err := b.allow("k"); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	if err := b.allow("k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe admitted: %v", err)
	}

	// Probe fails: cooldown doubles.
	b.failure("k")
	base = base.Add(15 * time.Millisecond) // only the old cooldown elapsed
	if err := b.allow("k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("breaker closed too early: %v", err)
	}
	base = base.Add(10 * time.Millisecond) // now the doubled cooldown elapsed
	if err := b.allow("k"); err != nil {
		t.Fatalf("probe after doubled cooldown: %v", err)
	}
	b.success("k")
	if err := b.allow("k"); err != nil {
		t.Fatalf("closed breaker rejects: %v", err)
	}
}

func TestCloseRejectsFurtherFetches(t *testing.T) {
	f := New(&countingSource{}, fastSettings(), nil, nil, logx.Nop())
	f.Close()
	if _, err := f.Fetch(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
