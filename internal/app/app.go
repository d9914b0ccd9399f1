// Package app wires the pipeline together: config cache and watcher, storage,
// event bus, task queue, fetch layer, orchestrator, scheduler and the metrics
// sink. It owns startup order and the reverse-order shutdown.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tgraph/internal/config"
	"tgraph/internal/eventbus"
	"tgraph/internal/fetch"
	"tgraph/internal/metrics"
	"tgraph/internal/orch"
	"tgraph/internal/queue"
	"tgraph/internal/render"
	"tgraph/internal/runtime/supervisor"
	"tgraph/internal/sched"
	"tgraph/internal/storage"
	"tgraph/internal/tautulli"
	"tgraph/pkg/logx"
)

// Schedule IDs registered at startup.
const (
	scheduleGraph   = "auto_graph"
	scheduleCleanup = "cleanup"
)

type App struct {
	cfg    *config.Cache
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	bus     eventbus.Bus
	queue   *queue.Queue
	fetcher *fetch.Fetcher
	client  *tautulli.Client
	orch    *orch.Orchestrator
	sched   *sched.Scheduler
}

// New loads and validates the configuration, then builds every component.
// Nothing runs until Run.
func New(configPath string) (*App, error) {
	boot := logx.NewConsole("info")

	cache := config.NewCache(configPath, boot)
	snap, err := cache.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(snap.Logging)

	store, err := storage.Open(snap.Storage, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	client, err := tautulli.New(tautulli.Options{
		BaseURL:        snap.Tautulli.BaseURL,
		APIKey:         snap.Tautulli.APIKey,
		Timeout:        snap.Tautulli.Timeout,
		MaxIdlePerHost: snap.Tautulli.MaxIdlePerHost,
	}, log)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	fetcher := fetch.New(orch.NewSource(client), fetchSettings(snap.Fetch), tautulli.IsTransient, bus, log)
	q := queue.New(queueOptions(snap.Engine), store, bus, log)
	renderer := render.NewFileWriter(snap.OutputDir)

	a := &App{
		cfg:     cache,
		logSvc:  logSvc,
		log:     log,
		store:   store,
		bus:     bus,
		queue:   q,
		fetcher: fetcher,
		client:  client,
		sched:   sched.New(store, bus, log),
	}
	a.orch = orch.New(q, fetcher, renderer, store, cache.Current, bus, log)

	if err := a.sched.Register(scheduleGraph, graphPolicy(snap), a.orch.HandleGraphFiring); err != nil {
		a.teardown()
		return nil, err
	}
	if err := a.sched.Register(scheduleCleanup, cleanupPolicy(snap), a.orch.HandleCleanupFiring); err != nil {
		a.teardown()
		return nil, err
	}
	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in reverse order: queue first so workers drain, storage last.
func (a *App) Run(ctx context.Context) error {
	snap := a.cfg.Current()
	a.log.Info("starting",
		logx.Uint64("config_version", snap.Version),
		logx.Int("workers", snap.Engine.Workers),
		logx.Int("graphs", len(snap.EnabledKinds())),
	)

	// Resume interrupted work before anything can enqueue.
	if _, err := a.queue.Replay(ctx); err != nil {
		return err
	}

	// Upstream reachability is informational; a dead server at boot is the
	// circuit breaker's problem, not a startup failure.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.client.Ping(pingCtx); err != nil {
		a.log.Warn("upstream unreachable at startup", logx.Err(err))
	} else {
		a.log.Info("upstream reachable")
	}
	cancel()

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Workers run on their own context, not the signal-derived one: a
	// shutdown signal must stop intake, not abort attempts already running.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	a.orch.Start(workCtx, snap.Engine.Workers)

	if err := a.sched.Start(sup.Context()); err != nil {
		sup.Cancel()
		return err
	}
	sup.Go0("sched", func(context.Context) { a.sched.Wait() })

	sup.GoRestart("config.watch", a.cfg.Watch, 250*time.Millisecond, 5*time.Second)
	sup.Go0("config.apply", a.applyLoop)

	if snap.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg, a.log)
		sup.Go0("metrics.collect", func(ctx context.Context) { collector.Run(ctx, a.bus) })
		addr := snap.Metrics.Addr
		sup.Go("metrics.serve", func(ctx context.Context) error {
			return metrics.Serve(ctx, addr, reg, a.log)
		})
	}

	<-ctx.Done()
	a.log.Info("shutting down")

	// Stop intake, let in-flight attempts finish, then tear the rest down.
	// A wedged attempt is cut loose after a grace period past its own
	// deadline.
	a.queue.Close()
	drained := make(chan struct{})
	go func() {
		a.orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(snap.Engine.TaskTimeout + 5*time.Second):
		a.log.Warn("in-flight tasks did not drain; cancelling workers")
		stopWork()
		<-drained
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	err := sup.Stop(stopCtx)

	a.teardown()
	return err
}

// applyLoop reacts to accepted config reloads: swap log sinks, retune the
// fetch pipeline and retry policy, re-arm the schedules. Worker count and
// the metrics listener stay fixed until restart.
func (a *App) applyLoop(ctx context.Context) {
	updates := a.cfg.Subscribe(2)
	defer a.cfg.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			a.logSvc.Apply(snap.Logging)
			a.fetcher.Apply(fetchSettings(snap.Fetch))
			a.queue.SetPolicy(queueOptions(snap.Engine))
			if err := a.sched.Rearm(scheduleGraph, graphPolicy(snap)); err != nil {
				a.log.Error("re-arm failed", logx.String("schedule", scheduleGraph), logx.Err(err))
			}
			if err := a.sched.Rearm(scheduleCleanup, cleanupPolicy(snap)); err != nil {
				a.log.Error("re-arm failed", logx.String("schedule", scheduleCleanup), logx.Err(err))
			}
			a.log.Info("config applied", logx.Uint64("version", snap.Version))
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: snap.Version})
		}
	}
}

// Orchestrator exposes manual-trigger and status operations to frontends.
func (a *App) Orchestrator() *orch.Orchestrator { return a.orch }

func (a *App) teardown() {
	a.fetcher.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	_ = a.logSvc.Close()
}

func graphPolicy(snap *config.Snapshot) sched.Policy {
	p := sched.Policy{
		IntervalDays: snap.Schedule.UpdateDays,
		Cron:         snap.Schedule.Cron,
		Location:     snap.Location(),
	}
	if ft := snap.Schedule.FixedTime; ft != nil {
		p.HasFixedTime = true
		p.FixedHour = ft.Hour
		p.FixedMinute = ft.Minute
	}
	return p
}

// cleanupPolicy prunes daily, in the quiet hours, in the schedule timezone.
func cleanupPolicy(snap *config.Snapshot) sched.Policy {
	return sched.Policy{
		IntervalDays: 1,
		HasFixedTime: true,
		FixedHour:    3,
		FixedMinute:  30,
		Location:     snap.Location(),
	}
}

func fetchSettings(fs config.FetchSettings) fetch.Settings {
	return fetch.Settings{
		RateCapacity:    fs.RateCapacity,
		RateRefill:      fs.RateRefill,
		CacheTTL:        fs.CacheTTL,
		RetryMax:        fs.RetryMax,
		RetryBase:       fs.RetryBase,
		CircuitTrip:     fs.CircuitTrip,
		CircuitCooldown: fs.CircuitCooldown,
		CircuitMaxDelay: fs.CircuitMaxDelay,
	}
}

func queueOptions(es config.EngineSettings) queue.Options {
	return queue.Options{
		MaxAttempts:   es.MaxAttempts,
		RetryBase:     es.RetryBase,
		RetryMaxDelay: es.RetryMax,
	}
}
