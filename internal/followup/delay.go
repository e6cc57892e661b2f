// Package followup schedules deferred re-entry into quiet conversations.
//
// When a turn ends with the agent awaiting a reply, a job is enqueued with a
// delay that grows exponentially per attempt, randomized with symmetric
// jitter, capped at a maximum, and shifted to land inside configured business
// hours. A polling worker claims due jobs, checks that the conversation has
// not moved on since the job was armed, and feeds a follow_up_timeout turn
// back into the dialogue engine.
package followup

import (
	"math"
	"math/rand"
	"time"
)

// DelayPolicy computes follow-up delays.
type DelayPolicy struct {
	Base      time.Duration // delay for attempt 1
	Factor    float64       // exponential growth per attempt, >= 1
	JitterPct float64       // symmetric jitter fraction in [0, 1)
	Max       time.Duration // upper bound after growth, before jitter

	// Business-hours clamp. A delay longer than ClampMin that would land
	// outside [HourStart, HourEnd) local time, or on a weekend, is pushed
	// forward to the next opening. Short delays fire as computed so that a
	// quick nudge is not deferred a whole night.
	HoursEnabled bool
	HourStart    int
	HourEnd      int
	Location     *time.Location
	ClampMin     time.Duration

	// Rand supplies jitter; nil uses the package-level source.
	Rand *rand.Rand
}

// Delay returns the pre-jitter delay for the given attempt (1-based). It is
// monotonically non-decreasing in attempt and never exceeds Max.
func (p DelayPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(attempt-1)))
	if d > p.Max || d < 0 { // overflow guards against large attempts
		d = p.Max
	}
	return d
}

// Jittered returns the delay for attempt with symmetric random jitter of
// ±JitterPct applied. The result stays positive and never exceeds Max: a
// capped attempt only jitters downward.
func (p DelayPolicy) Jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.JitterPct <= 0 {
		return d
	}
	var u float64
	if p.Rand != nil {
		u = p.Rand.Float64()
	} else {
		u = rand.Float64()
	}
	// Uniform in [-JitterPct, +JitterPct).
	factor := 1 + p.JitterPct*(2*u-1)
	d = time.Duration(float64(d) * factor)
	if d > p.Max {
		d = p.Max
	}
	return d
}

// RunAt computes the absolute fire time for attempt relative to now, applying
// jitter and, for delays past ClampMin, the business-hours shift.
func (p DelayPolicy) RunAt(now time.Time, attempt int) time.Time {
	d := p.Jittered(attempt)
	at := now.Add(d)
	if !p.HoursEnabled || d <= p.ClampMin {
		return at
	}
	return p.clampToBusinessHours(at)
}

// clampToBusinessHours pushes t forward to the next moment inside business
// hours on a weekday. The loop is bounded: each iteration moves at least to
// the next day's opening, so a handful of steps covers any weekend plus
// after-hours combination.
func (p DelayPolicy) clampToBusinessHours(t time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	for i := 0; i < 7; i++ {
		switch {
		case t.Weekday() == time.Saturday || t.Weekday() == time.Sunday:
			t = nextDayOpening(t, p.HourStart, loc)
		case t.Hour() < p.HourStart:
			t = time.Date(t.Year(), t.Month(), t.Day(), p.HourStart, 0, 0, 0, loc)
		case t.Hour() >= p.HourEnd:
			t = nextDayOpening(t, p.HourStart, loc)
		default:
			return t
		}
	}
	return t
}

func nextDayOpening(t time.Time, hour int, loc *time.Location) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, 0, 0, 0, loc)
}
