// Package sched owns the firing calendar. Each registered schedule runs its
// own loop: compute the next instant, sleep, persist the firing, then hand
// it to the handler. Persisting before notifying makes firings at-least-once
// across restarts; a schedule that slept through several windows fires
// exactly once to catch up.
package sched

import (
	"context"
	"sync"
	"time"

	"tgraph/internal/eventbus"
	"tgraph/internal/storage"
	"tgraph/pkg/logx"
)

// Firing is one occurrence of a schedule, delivered to its handler.
type Firing struct {
	ScheduleID string
	// Scheduled is the nominal instant this firing was due.
	Scheduled time.Time
	// At is when it actually fired; later than Scheduled on catch-up.
	At time.Time
	// CatchUp marks a firing that collapses one or more missed windows.
	CatchUp bool
}

// Handler consumes a firing. It should return quickly (enqueue and go);
// slow handlers delay the schedule's own loop only.
type Handler func(ctx context.Context, f Firing)

type entry struct {
	id      string
	policy  Policy
	handler Handler

	last  time.Time
	rearm chan struct{} // closed-over signal: policy changed, recompute
}

// Scheduler drives all registered schedules. Register everything before
// Start; policies may be swapped at runtime with Rearm.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	started bool

	store storage.Store // nil when persistence is disabled
	bus   eventbus.Bus
	log   logx.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		store:   store,
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Register adds a schedule. Returns the policy validation error, if any.
func (s *Scheduler) Register(id string, p Policy, h Handler) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &entry{id: id, policy: p, handler: h, rearm: make(chan struct{}, 1)}
	return nil
}

// Rearm swaps a schedule's policy and wakes its loop so the change takes
// effect immediately rather than after the current sleep.
func (s *Scheduler) Rearm(id string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.policy = p
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case e.rearm <- struct{}{}:
	default:
	}
	return nil
}

// Start restores persisted state and launches one loop per schedule.
// It returns immediately; Wait blocks until ctx cancellation drains them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if s.store != nil {
		states, err := s.store.LoadSchedules(ctx)
		if err != nil {
			// Degraded: run from scratch in memory, keep going.
			s.degrade("load", err)
		} else {
			for _, st := range states {
				if e, ok := s.entries[st.ID]; ok {
					e.last = st.LastFire
				}
			}
		}
	}

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(ctx, e)
	}
	return nil
}

// Wait blocks until every schedule loop has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		policy := e.policy
		last := e.last
		s.mu.Unlock()

		now := s.now()
		next, err := NextFire(policy, last, now)
		if err != nil {
			s.log.Error("schedule has no valid cadence; parking",
				logx.String("schedule", e.id), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-e.rearm:
				continue
			}
		}

		if delay := next.Sub(now); delay > 0 {
			s.log.Debug("schedule armed",
				logx.String("schedule", e.id),
				logx.Time("next", next),
				logx.Duration("in", delay),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-e.rearm:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		s.fire(ctx, e, next)

		if ctx.Err() != nil {
			return
		}
	}
}

// fire persists the occurrence, then delivers it. A firing whose nominal
// time has already passed by more than a window boundary is a catch-up; the
// cadence re-anchors on the actual firing time so missed windows collapse.
func (s *Scheduler) fire(ctx context.Context, e *entry, scheduled time.Time) {
	now := s.now()
	catchUp := now.Sub(scheduled) > time.Second

	s.mu.Lock()
	e.last = now
	policy := e.policy
	s.mu.Unlock()

	if s.store != nil {
		next, _ := NextFire(policy, now, now)
		err := s.store.SaveSchedule(ctx, storage.ScheduleState{
			ID:       e.id,
			LastFire: now,
			NextFire: next,
		})
		if err != nil {
			// Keep firing from memory; operators get the degradation signal.
			s.degrade(e.id, err)
		}
	}

	f := Firing{ScheduleID: e.id, Scheduled: scheduled, At: now, CatchUp: catchUp}
	s.log.Info("schedule fired",
		logx.String("schedule", e.id),
		logx.Time("scheduled", scheduled),
		logx.Bool("catch_up", catchUp),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: f})
	}
	if e.handler != nil {
		e.handler(ctx, f)
	}
}

func (s *Scheduler) degrade(id string, err error) {
	s.log.Error("schedule persistence failed; continuing in memory",
		logx.String("schedule", id), logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDegrade, Data: map[string]string{
			"schedule": id,
			"error":    err.Error(),
		}})
	}
}
