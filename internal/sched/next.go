package sched

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Policy describes one schedule's cadence.
//
// Cron, when set, overrides the interval fields entirely. Otherwise the
// schedule fires every IntervalDays, pinned to FixedHour:FixedMinute when
// HasFixedTime is set.
type Policy struct {
	IntervalDays int
	HasFixedTime bool
	FixedHour    int
	FixedMinute  int
	Cron         string
	Location     *time.Location
}

var errNoCadence = errors.New("sched: policy has no cadence")

// Validate checks the policy can produce firings.
func (p Policy) Validate() error {
	if p.Cron != "" {
		_, err := cronParser.Parse(p.Cron)
		return err
	}
	if p.IntervalDays < 1 {
		return errNoCadence
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.Local
}

// NextFire computes the nominal next firing instant. Pure: same inputs,
// same output.
//
// The result may lie in the past when the process slept through one or more
// windows; the caller collapses that into a single catch-up firing. last is
// the previous firing (zero for a schedule that has never fired).
func NextFire(p Policy, last, now time.Time) (time.Time, error) {
	loc := p.location()
	now = now.In(loc)

	if p.Cron != "" {
		spec, err := cronParser.Parse(p.Cron)
		if err != nil {
			return time.Time{}, err
		}
		base := last.In(loc)
		if last.IsZero() {
			base = now
		}
		return spec.Next(base), nil
	}

	if p.IntervalDays < 1 {
		return time.Time{}, errNoCadence
	}

	if last.IsZero() {
		if p.HasFixedTime {
			first := atTime(now, p.FixedHour, p.FixedMinute, loc)
			if !first.After(now) {
				first = atTime(now.AddDate(0, 0, 1), p.FixedHour, p.FixedMinute, loc)
			}
			return first, nil
		}
		// Never fired: run once right away, the interval cadence anchors on it.
		return now, nil
	}

	next := last.In(loc).AddDate(0, 0, p.IntervalDays)
	if p.HasFixedTime {
		next = atTime(next, p.FixedHour, p.FixedMinute, loc)
	}
	return next, nil
}

// atTime pins t's date to the given wall-clock time in loc.
func atTime(t time.Time, hour, minute int, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
}
