// Package orch turns schedule firings into queued tasks and runs the worker
// pool that executes them: fetch upstream statistics, aggregate them into a
// dataset, hand the dataset to the renderer. Failures are classified so the
// queue retries only what retrying can fix.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tgraph/internal/config"
	"tgraph/internal/eventbus"
	"tgraph/internal/fetch"
	"tgraph/internal/queue"
	"tgraph/internal/render"
	"tgraph/internal/sched"
	"tgraph/internal/storage"
	"tgraph/internal/tautulli"
	"tgraph/pkg/logx"
)

// taskKindCleanup prunes retention-expired rows; every other task kind is a
// graph kind.
const taskKindCleanup = "cleanup"

// taskPayload travels with each queued task.
type taskPayload struct {
	Kind      string    `json:"kind"`
	RangeDays int       `json:"range_days"`
	FiredAt   time.Time `json:"fired_at,omitzero"`
}

// Status is a point-in-time view for diagnostics and operator queries.
type Status struct {
	Queue    queue.Stats
	Fetch    fetch.Stats
	Rendered uint64
}

// Orchestrator is safe for concurrent use once Start has returned.
type Orchestrator struct {
	queue    *queue.Queue
	fetcher  *fetch.Fetcher
	renderer render.Renderer
	store    storage.Store // nil when persistence is disabled
	bus      eventbus.Bus
	log      logx.Logger

	// snapshot returns the live configuration; never nil after app start.
	snapshot func() *config.Snapshot

	mu       sync.Mutex
	rendered uint64

	wg  sync.WaitGroup
	now func() time.Time
}

func New(q *queue.Queue, f *fetch.Fetcher, r render.Renderer, store storage.Store, snapshot func() *config.Snapshot, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		queue:    q,
		fetcher:  f,
		renderer: r,
		store:    store,
		snapshot: snapshot,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// Start launches the worker pool. Workers exit when the queue closes or ctx
// is cancelled; Wait blocks until they have drained.
func (o *Orchestrator) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// HandleGraphFiring is the schedule handler for the periodic graph update:
// one task per enabled graph kind. Task IDs are derived from the firing, so
// an at-least-once redelivery of the same firing enqueues nothing new.
func (o *Orchestrator) HandleGraphFiring(ctx context.Context, f sched.Firing) {
	snap := o.snapshot()
	if snap == nil {
		return
	}
	for _, kind := range snap.EnabledKinds() {
		id := fmt.Sprintf("tsk_%s_%s_%d", f.ScheduleID, kind, f.Scheduled.Unix())
		o.enqueue(ctx, id, string(kind), queue.PriorityNormal, taskPayload{
			Kind:      string(kind),
			RangeDays: snap.Schedule.KeepDays,
			FiredAt:   f.At,
		})
	}
}

// HandleCleanupFiring enqueues the retention prune task.
func (o *Orchestrator) HandleCleanupFiring(ctx context.Context, f sched.Firing) {
	snap := o.snapshot()
	if snap == nil {
		return
	}
	id := fmt.Sprintf("tsk_%s_%d", f.ScheduleID, f.Scheduled.Unix())
	o.enqueue(ctx, id, taskKindCleanup, queue.PriorityLow, taskPayload{
		Kind:      taskKindCleanup,
		RangeDays: snap.Schedule.KeepDays,
		FiredAt:   f.At,
	})
}

// TriggerNow enqueues a high-priority refresh for the given kinds (all
// enabled kinds when empty). force drops cached upstream data first so the
// refresh hits the server. Returns the enqueued task IDs.
func (o *Orchestrator) TriggerNow(ctx context.Context, kinds []render.GraphKind, force bool) ([]string, error) {
	snap := o.snapshot()
	if snap == nil {
		return nil, errors.New("orch: no configuration loaded")
	}
	if len(kinds) == 0 {
		kinds = snap.EnabledKinds()
	}
	if force {
		days := snap.Schedule.KeepDays
		o.fetcher.Invalidate(HistoryKey(o.now().AddDate(0, 0, -days+1)))
	}

	ids := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if _, err := render.ParseKind(string(kind)); err != nil {
			return ids, err
		}
		id, err := o.enqueue(ctx, queue.NewTaskID(), string(kind), queue.PriorityHigh, taskPayload{
			Kind:      string(kind),
			RangeDays: snap.Schedule.KeepDays,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Status reports queue and fetch pipeline counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	rendered := o.rendered
	o.mu.Unlock()
	return Status{
		Queue:    o.queue.Stats(),
		Fetch:    o.fetcher.Stats(),
		Rendered: rendered,
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, id, kind string, prio queue.Priority, p taskPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	tid, err := o.queue.Enqueue(ctx, queue.Task{
		ID:       id,
		Kind:     kind,
		Priority: prio,
		Payload:  string(raw),
	})
	if err != nil {
		o.log.Error("enqueue failed", logx.String("kind", kind), logx.Err(err))
		return "", err
	}
	return tid, nil
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	defer o.wg.Done()
	log := o.log.With(logx.Int("worker", n))

	for {
		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Error("dequeue failed", logx.Err(err))
			}
			return
		}

		started := o.now()
		err = o.process(ctx, task)
		took := o.now().Sub(started)

		if err == nil {
			if cerr := o.queue.Complete(ctx, task.ID); cerr != nil {
				log.Error("complete failed", logx.String("task", task.ID), logx.Err(cerr))
			}
			log.Debug("task done",
				logx.String("task", task.ID),
				logx.String("kind", task.Kind),
				logx.Duration("took", took),
			)
			continue
		}

		if ferr := o.queue.Fail(ctx, task.ID, err); ferr != nil {
			log.Error("fail bookkeeping failed", logx.String("task", task.ID), logx.Err(ferr))
		}
		log.Warn("task failed",
			logx.String("task", task.ID),
			logx.String("kind", task.Kind),
			logx.Int("attempt", task.Attempts),
			logx.Err(err),
		)
	}
}

// process executes one task attempt under the configured timeout.
func (o *Orchestrator) process(ctx context.Context, task queue.Task) error {
	snap := o.snapshot()
	timeout := 2 * time.Minute
	if snap != nil {
		timeout = snap.Engine.TaskTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A task that outlived its deadline (stale replay, long outage) is not
	// worth running or retrying.
	if !task.Deadline.IsZero() && o.now().After(task.Deadline) {
		return queue.Fatal(fmt.Errorf("orch: task deadline %s exceeded", task.Deadline.Format(time.RFC3339)))
	}

	var p taskPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return queue.Fatal(fmt.Errorf("orch: bad task payload: %w", err))
	}

	if task.Kind == taskKindCleanup {
		return o.cleanup(tctx, p)
	}
	return o.renderGraph(tctx, task.Kind, p, snap)
}

func (o *Orchestrator) renderGraph(ctx context.Context, kindStr string, p taskPayload, snap *config.Snapshot) error {
	kind, err := render.ParseKind(kindStr)
	if err != nil {
		return queue.Fatal(err)
	}

	days := p.RangeDays
	if days < 1 {
		days = 30
	}
	now := o.now()
	loc := time.Local
	if snap != nil {
		loc = snap.Location()
	}

	raw, err := o.fetcher.Fetch(ctx, HistoryKey(now.AddDate(0, 0, -days+1)))
	if err != nil {
		return classifyFetchErr(err)
	}
	entries, ok := raw.([]tautulli.HistoryEntry)
	if !ok {
		return queue.Fatal(fmt.Errorf("orch: unexpected history payload %T", raw))
	}

	ds, err := buildDataset(kind, entries, days, now, loc)
	if err != nil {
		return queue.Fatal(err)
	}

	art, err := o.renderer.Render(ctx, ds)
	if err != nil {
		// IO problems are usually transient (full disk, races on the dir).
		return err
	}

	o.mu.Lock()
	o.rendered++
	o.mu.Unlock()
	o.log.Info("graph rendered",
		logx.String("kind", string(kind)),
		logx.String("path", art.Path),
		logx.Int64("bytes", art.Size),
	)
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context, p taskPayload) error {
	if o.store == nil {
		return nil
	}
	keep := p.RangeDays
	if keep < 1 {
		keep = 30
	}
	cutoff := o.now().AddDate(0, 0, -keep)
	n, err := o.store.PruneTaskLog(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.Info("task log pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
	return nil
}

// classifyFetchErr decides retryability for upstream failures. Circuit-open
// and transient errors are worth a retry; envelope/4xx errors are not.
func classifyFetchErr(err error) error {
	if errors.Is(err, fetch.ErrCircuitOpen) {
		return err
	}
	if tautulli.IsTransient(err) {
		return err
	}
	return queue.Fatal(err)
}
