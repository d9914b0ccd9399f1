package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tgraph/internal/eventbus"
	"tgraph/pkg/logx"
)

func TestCollectorCountsBusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, bus)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: eventbus.TaskOutcome{Kind: "daily_play_count"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: eventbus.TaskOutcome{Kind: "daily_play_count"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDead, Data: eventbus.TaskOutcome{Kind: "top_10_users"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitOpened, Data: eventbus.CircuitTransition{Key: "history"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired})
	bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFetchHit, Data: "users"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFetchMiss, Data: "users"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFetchUpstream, Data: "users"})

	// Events are processed in publish order; once the last one lands the
	// rest are visible too.
	waitFor(t, func() bool {
		return testutil.ToFloat64(c.fetches.WithLabelValues("upstream")) == 1
	})

	if v := testutil.ToFloat64(c.tasks.WithLabelValues("completed", "daily_play_count")); v != 2 {
		t.Fatalf("completed counter = %v", v)
	}
	if v := testutil.ToFloat64(c.tasks.WithLabelValues("dead", "top_10_users")); v != 1 {
		t.Fatalf("dead counter = %v", v)
	}
	if v := testutil.ToFloat64(c.circuit.WithLabelValues("opened")); v != 1 {
		t.Fatalf("circuit counter = %v", v)
	}
	if v := testutil.ToFloat64(c.firings); v != 1 {
		t.Fatalf("firings = %v", v)
	}
	if v := testutil.ToFloat64(c.reloads); v != 1 {
		t.Fatalf("reloads = %v", v)
	}
	for _, result := range []string{"hit", "miss", "upstream"} {
		if v := testutil.ToFloat64(c.fetches.WithLabelValues(result)); v != 1 {
			t.Fatalf("fetches{%s} = %v", result, v)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
