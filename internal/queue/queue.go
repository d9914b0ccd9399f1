// Package queue is a priority task queue with retry bookkeeping and an
// optional durable log. Higher-priority tasks dequeue first; ties break by
// scheduled time, then insertion order. Every state transition is appended
// to storage before it becomes observable, so a restart replays the log and
// resumes interrupted work.
package queue

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgraph/internal/eventbus"
	"tgraph/internal/storage"
	"tgraph/pkg/logx"
)

// Queue dispenses tasks to workers in priority order.
//
// All methods are safe for concurrent use. Dequeue blocks until a task is
// ready, the context is cancelled, or the queue is closed.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	opt   Options
	ready taskHeap
	tasks map[string]*Task // every non-terminal task, keyed by ID

	timers map[string]*time.Timer // retry / future-schedule arming
	closed bool
	seq    uint64

	store storage.Store // nil when persistence is disabled
	bus   eventbus.Bus
	log   logx.Logger
	rng   *rand.Rand

	stats Stats

	now func() time.Time // test hook
}

// New builds an empty queue. store and bus may be nil.
func New(opt Options, store storage.Store, bus eventbus.Bus, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		opt:    opt.withDefaults(),
		tasks:  make(map[string]*Task),
		timers: make(map[string]*time.Timer),
		store:  store,
		bus:    bus,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetPolicy swaps the retry policy. Applied to failures from now on;
// already-armed retry timers keep their delay.
func (q *Queue) SetPolicy(opt Options) {
	q.mu.Lock()
	q.opt = opt.withDefaults()
	q.mu.Unlock()
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string { return "tsk_" + uuid.NewString() }

// Enqueue admits a task. A zero ID gets a generated one; a zero ScheduledAt
// means "now". Re-enqueueing an ID that is already tracked is a no-op and
// returns the existing ID, so schedule catch-up firings stay idempotent.
func (q *Queue) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if _, ok := q.tasks[t.ID]; ok {
		return t.ID, nil
	}

	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = q.now()
	}
	t.State = StatePending
	t.seq = q.seq
	q.seq++

	// Durable before visible: if the append fails the task was never admitted.
	if err := q.appendLocked(ctx, &t); err != nil {
		return "", err
	}

	tc := t
	q.tasks[t.ID] = &tc
	q.stats.Enqueued++
	q.admitLocked(&tc)

	q.log.Debug("task enqueued",
		logx.String("task", t.ID),
		logx.String("kind", t.Kind),
		logx.Int("priority", int(t.Priority)),
	)
	return t.ID, nil
}

// admitLocked makes a Pending task dequeueable now, or arms a timer if its
// scheduled time is in the future.
func (q *Queue) admitLocked(t *Task) {
	delay := t.ScheduledAt.Sub(q.now())
	if delay <= 0 {
		heap.Push(&q.ready, t)
		q.cond.Signal()
		return
	}
	id := t.ID
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		tt, ok := q.tasks[id]
		if !ok || q.closed || tt.State != StatePending {
			return
		}
		heap.Push(&q.ready, tt)
		q.cond.Signal()
	})
}

// Dequeue blocks until a ready task exists and returns a copy of it in
// InFlight state. Returns ErrClosed once the queue is closed, or ctx.Err()
// on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	// Wake the cond when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		if q.closed {
			return Task{}, ErrClosed
		}
		if q.ready.Len() > 0 {
			break
		}
		q.cond.Wait()
	}

	t := heap.Pop(&q.ready).(*Task)
	t.State = StateInFlight
	t.Attempts++
	t.started = q.now()
	q.stats.InFlight++
	if err := q.appendLocked(ctx, t); err != nil {
		// Could not record the hand-off; put the task back untouched.
		t.State = StatePending
		t.Attempts--
		q.stats.InFlight--
		heap.Push(&q.ready, t)
		q.cond.Signal()
		return Task{}, err
	}
	return *t, nil
}

// Complete marks a task done and forgets it.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.State != StateInFlight {
		return ErrNotFound
	}
	t.State = StateCompleted
	t.LastError = ""
	if err := q.appendLocked(ctx, t); err != nil {
		t.State = StateInFlight
		return err
	}
	delete(q.tasks, id)
	q.stats.InFlight--
	q.stats.Completed++

	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: eventbus.TaskOutcome{
			ID: t.ID, Kind: t.Kind, Attempts: t.Attempts, Duration: q.now().Sub(t.started),
		}})
	}
	return nil
}

// Fail records a failed attempt. Fatal errors and exhausted retry budgets
// dead-letter the task; otherwise it re-enters Pending after an exponential
// backoff with jitter.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.State != StateInFlight {
		return ErrNotFound
	}
	if cause != nil {
		t.LastError = cause.Error()
	}

	if IsFatal(cause) || t.Attempts >= q.opt.MaxAttempts {
		t.State = StateDead
		if err := q.appendLocked(ctx, t); err != nil {
			t.State = StateInFlight
			return err
		}
		delete(q.tasks, id)
		q.stats.InFlight--
		q.stats.Dead++
		q.log.Warn("task dead-lettered",
			logx.String("task", t.ID),
			logx.String("kind", t.Kind),
			logx.Int("attempts", t.Attempts),
			logx.String("error", t.LastError),
		)
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDead, Data: eventbus.TaskOutcome{
				ID: t.ID, Kind: t.Kind, Attempts: t.Attempts, Error: t.LastError,
			}})
		}
		return nil
	}

	delay := q.backoffLocked(t.Attempts)
	t.State = StateRetrying
	t.ScheduledAt = q.now().Add(delay)
	if err := q.appendLocked(ctx, t); err != nil {
		t.State = StateInFlight
		return err
	}
	q.stats.InFlight--
	q.stats.Retries++

	q.log.Debug("task retry scheduled",
		logx.String("task", t.ID),
		logx.Int("attempt", t.Attempts),
		logx.Duration("delay", delay),
	)
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetrying, Data: eventbus.TaskOutcome{
			ID: t.ID, Kind: t.Kind, Attempts: t.Attempts, Error: t.LastError,
		}})
	}

	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, id)
		tt, ok := q.tasks[id]
		if !ok || q.closed || tt.State != StateRetrying {
			return
		}
		tt.State = StatePending
		heap.Push(&q.ready, tt)
		q.cond.Signal()
	})
	return nil
}

// backoffLocked computes base*2^attempt plus jitter in [0, base), capped.
func (q *Queue) backoffLocked(attempt int) time.Duration {
	base := q.opt.RetryBase
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= q.opt.RetryMaxDelay {
			d = q.opt.RetryMaxDelay
			break
		}
	}
	d += time.Duration(q.rng.Int63n(int64(base)))
	if d > q.opt.RetryMaxDelay {
		d = q.opt.RetryMaxDelay
	}
	return d
}

// Replay rebuilds queue state from the durable log. Pending, Retrying and
// InFlight tasks resume as Pending (an interrupted attempt re-runs);
// terminal tasks are skipped. Intended for startup, before workers run.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	entries, err := q.store.LoadTaskLog(ctx)
	if err != nil {
		return 0, err
	}

	// Fold to latest state per task; the log is ordered.
	latest := make(map[string]storage.TaskLogEntry)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, seen := latest[e.TaskID]; !seen {
			order = append(order, e.TaskID)
		}
		latest[e.TaskID] = e
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, id := range order {
		e := latest[id]
		if State(e.State).Terminal() {
			continue
		}
		if _, dup := q.tasks[id]; dup {
			continue
		}
		t := &Task{
			ID:          e.TaskID,
			Kind:        e.Kind,
			Priority:    Priority(e.Priority),
			ScheduledAt: e.ScheduledAt,
			Attempts:    e.Attempt,
			State:       StatePending,
			Payload:     e.Payload,
			LastError:   e.Error,
			seq:         q.seq,
		}
		q.seq++
		q.tasks[id] = t
		q.admitLocked(t)
		restored++
	}
	if restored > 0 {
		q.log.Info("task log replayed", logx.Int("restored", restored))
	}
	return restored, nil
}

// Snapshot returns a copy of every tracked (non-terminal) task.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Stats returns counters for diagnostics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Ready = q.ready.Len()
	s.Waiting = len(q.tasks) - s.Ready - s.InFlight
	return s
}

// Close stops admission on both ends: Enqueue and Dequeue return ErrClosed
// from here on, while tasks already handed to workers may still Complete or
// Fail. Leftover non-terminal tasks stay in the durable log and come back
// on the next Replay.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, tm := range q.timers {
		tm.Stop()
		delete(q.timers, id)
	}
	q.cond.Broadcast()
}

func (q *Queue) appendLocked(ctx context.Context, t *Task) error {
	if q.store == nil {
		return nil
	}
	return q.store.AppendTask(ctx, storage.TaskLogEntry{
		At:          q.now(),
		TaskID:      t.ID,
		Kind:        t.Kind,
		Priority:    int(t.Priority),
		ScheduledAt: t.ScheduledAt,
		State:       string(t.State),
		Attempt:     t.Attempts,
		Error:       t.LastError,
		Payload:     t.Payload,
	})
}
