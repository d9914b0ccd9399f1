package sched

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestNextFireIntervalOnly(t *testing.T) {
	p := Policy{IntervalDays: 7, Location: time.UTC}
	last := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	next, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	want := time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireIsDeterministic(t *testing.T) {
	p := Policy{IntervalDays: 3, HasFixedTime: true, FixedHour: 4, FixedMinute: 15, Location: time.UTC}
	last := time.Date(2026, 6, 1, 4, 15, 0, 0, time.UTC)
	now := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)

	first, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := NextFire(p, last, now)
		if err != nil {
			t.Fatalf("next fire: %v", err)
		}
		if !again.Equal(first) {
			t.Fatalf("call %d: %v != %v", i, again, first)
		}
	}
	want := time.Date(2026, 6, 4, 4, 15, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Fatalf("next = %v, want %v", first, want)
	}
}

func TestNextFireFixedTimePinsWallClock(t *testing.T) {
	p := Policy{IntervalDays: 7, HasFixedTime: true, FixedHour: 2, FixedMinute: 0, Location: time.UTC}
	// Last firing drifted late (caught up at 09:41); the next one snaps back
	// to 02:00 on the cadence day.
	last := time.Date(2026, 1, 5, 9, 41, 0, 0, time.UTC)
	now := last.Add(time.Hour)

	next, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	want := time.Date(2026, 1, 12, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireFirstRun(t *testing.T) {
	now := time.Date(2026, 4, 10, 13, 0, 0, 0, time.UTC)

	// Without a fixed time a never-fired schedule runs immediately; the
	// interval anchors on that first firing.
	p := Policy{IntervalDays: 2, Location: time.UTC}
	next, err := NextFire(p, time.Time{}, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	if !next.Equal(now) {
		t.Fatalf("next = %v, want %v (immediate)", next, now)
	}

	// With a fixed time still ahead today, fire today.
	p.HasFixedTime, p.FixedHour, p.FixedMinute = true, 18, 30
	next, err = NextFire(p, time.Time{}, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	if want := time.Date(2026, 4, 10, 18, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Fixed time already past today: tomorrow.
	p.FixedHour = 6
	next, err = NextFire(p, time.Time{}, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	if want := time.Date(2026, 4, 11, 6, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireMissedWindowReturnsPastInstant(t *testing.T) {
	p := Policy{IntervalDays: 1, Location: time.UTC}
	last := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC) // nine windows missed

	next, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	// The nominal next is in the past; the scheduler collapses it into one
	// catch-up firing rather than replaying all nine.
	if want := last.AddDate(0, 0, 1); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if !next.Before(now) {
		t.Fatal("expected a past instant")
	}
}

func TestNextFireCron(t *testing.T) {
	p := Policy{Cron: "0 3 * * 1", Location: time.UTC} // 03:00 every Monday
	last := time.Date(2026, 7, 6, 3, 0, 0, 0, time.UTC)
	now := last.Add(time.Minute)

	next, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	if want := time.Date(2026, 7, 13, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireHonorsTimezone(t *testing.T) {
	berlin := mustLoc(t, "Europe/Berlin")
	p := Policy{IntervalDays: 1, HasFixedTime: true, FixedHour: 2, FixedMinute: 0, Location: berlin}
	last := time.Date(2026, 5, 1, 2, 0, 0, 0, berlin)
	now := last.Add(time.Hour)

	next, err := NextFire(p, last, now)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	want := time.Date(2026, 5, 2, 2, 0, 0, 0, berlin)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{}).Validate(); err == nil {
		t.Fatal("empty policy accepted")
	}
	if err := (Policy{IntervalDays: 7}).Validate(); err != nil {
		t.Fatalf("interval policy rejected: %v", err)
	}
	if err := (Policy{Cron: "not a cron"}).Validate(); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := (Policy{Cron: "@every 1h"}).Validate(); err != nil {
		t.Fatalf("descriptor cron rejected: %v", err)
	}
}
