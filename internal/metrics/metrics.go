// Package metrics exposes pipeline counters to Prometheus. The collector is
// a plain event-bus subscriber; the core never talks to Prometheus directly.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tgraph/internal/eventbus"
	"tgraph/pkg/logx"
)

// Collector translates bus events into Prometheus series.
type Collector struct {
	tasks     *prometheus.CounterVec
	durations prometheus.Histogram
	fetches   *prometheus.CounterVec
	circuit   *prometheus.CounterVec
	firings   prometheus.Counter
	degrades  prometheus.Counter
	reloads   prometheus.Counter

	log logx.Logger
}

// NewCollector registers the metric families on reg.
func NewCollector(reg prometheus.Registerer, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	factory := promauto.With(reg)
	return &Collector{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "tasks_total",
			Help:      "Task outcomes by terminal/retry state.",
		}, []string{"state", "kind"}),
		durations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tgraph",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of completed task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "fetches_total",
			Help:      "Fetch pipeline observations: cache hits, misses, upstream calls.",
		}, []string{"result"}),
		circuit: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "circuit_transitions_total",
			Help:      "Upstream circuit breaker transitions.",
		}, []string{"transition"}),
		firings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "schedule_firings_total",
			Help:      "Schedule firings delivered to handlers.",
		}),
		degrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "schedule_degradations_total",
			Help:      "Firings whose persistence failed (memory-only mode).",
		}),
		reloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tgraph",
			Name:      "config_reloads_total",
			Help:      "Configuration snapshots applied at runtime.",
		}),
		log: log,
	}
}

// Run consumes bus events until ctx is cancelled. Call in its own goroutine.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.observe(e)
		}
	}
}

func (c *Collector) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskCompleted:
		c.tasks.WithLabelValues("completed", outcomeKind(e)).Inc()
		if out, ok := e.Data.(eventbus.TaskOutcome); ok && out.Duration > 0 {
			c.durations.Observe(out.Duration.Seconds())
		}
	case eventbus.TypeFetchHit:
		c.fetches.WithLabelValues("hit").Inc()
	case eventbus.TypeFetchMiss:
		c.fetches.WithLabelValues("miss").Inc()
	case eventbus.TypeFetchUpstream:
		c.fetches.WithLabelValues("upstream").Inc()
	case eventbus.TypeTaskRetrying:
		c.tasks.WithLabelValues("retrying", outcomeKind(e)).Inc()
	case eventbus.TypeTaskDead:
		c.tasks.WithLabelValues("dead", outcomeKind(e)).Inc()
	case eventbus.TypeCircuitOpened:
		c.circuit.WithLabelValues("opened").Inc()
	case eventbus.TypeCircuitClosed:
		c.circuit.WithLabelValues("closed").Inc()
	case eventbus.TypeScheduleFired:
		c.firings.Inc()
	case eventbus.TypeScheduleDegrade:
		c.degrades.Inc()
	case eventbus.TypeConfigApplied:
		c.reloads.Inc()
	}
}

func outcomeKind(e eventbus.Event) string {
	if out, ok := e.Data.(eventbus.TaskOutcome); ok && out.Kind != "" {
		return out.Kind
	}
	return "unknown"
}
