package followup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() DelayPolicy {
	return DelayPolicy{
		Base:      4 * time.Hour,
		Factor:    2.0,
		JitterPct: 0.1,
		Max:       72 * time.Hour,
	}
}

func TestDelayGrowsMonotonically(t *testing.T) {
	p := testPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.Max)
		prev = d
	}
}

func TestDelayExponentialThenCapped(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 4*time.Hour, p.Delay(1))
	assert.Equal(t, 8*time.Hour, p.Delay(2))
	assert.Equal(t, 16*time.Hour, p.Delay(3))
	assert.Equal(t, 64*time.Hour, p.Delay(5))
	assert.Equal(t, 72*time.Hour, p.Delay(6), "growth past Max is capped")
	// Attempts large enough to overflow float math still land on the cap.
	assert.Equal(t, 72*time.Hour, p.Delay(500))
}

func TestDelayZeroAttemptTreatedAsFirst(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, p.Delay(1), p.Delay(0))
	assert.Equal(t, p.Delay(1), p.Delay(-3))
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	p := testPolicy()
	p.Rand = rand.New(rand.NewSource(42))

	base := p.Delay(2)
	lo := time.Duration(float64(base) * (1 - p.JitterPct))
	hi := time.Duration(float64(base) * (1 + p.JitterPct))

	var saw bool
	for i := 0; i < 200; i++ {
		d := p.Jittered(2)
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
		if d != base {
			saw = true
		}
	}
	assert.True(t, saw, "jitter should actually perturb the delay")
}

func TestJitteredNeverExceedsMax(t *testing.T) {
	p := testPolicy()
	p.JitterPct = 0.15
	p.Rand = rand.New(rand.NewSource(7))

	// Attempt 10 saturates the cap; upward jitter must not push past it.
	var sawBelow bool
	for i := 0; i < 1000; i++ {
		d := p.Jittered(10)
		require.LessOrEqual(t, d, p.Max)
		require.Positive(t, d)
		if d < p.Max {
			sawBelow = true
		}
	}
	assert.True(t, sawBelow, "downward jitter still applies at the cap")
}

func TestJitterDisabled(t *testing.T) {
	p := testPolicy()
	p.JitterPct = 0
	assert.Equal(t, p.Delay(3), p.Jittered(3))
}

func businessHoursPolicy() DelayPolicy {
	return DelayPolicy{
		Base:         4 * time.Hour,
		Factor:       2.0,
		Max:          72 * time.Hour,
		HoursEnabled: true,
		HourStart:    9,
		HourEnd:      18,
		Location:     time.UTC,
		ClampMin:     time.Hour,
	}
}

func TestRunAtClampsToBusinessHours(t *testing.T) {
	p := businessHoursPolicy()

	// Monday 2026-03-09.
	monday := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "lands inside hours, untouched",
			now:  monday, // +4h → Monday 14:00
			want: monday.Add(4 * time.Hour),
		},
		{
			name: "after close pushes to next morning",
			now:  time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC), // +4h → 20:00
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "before open pushes to same-day opening",
			now:  time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), // +4h → 06:00
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "weekend pushes to Monday opening",
			now:  time.Date(2026, 3, 13, 16, 0, 0, 0, time.UTC), // Friday +4h → Friday 20:00
			want: time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC),  // Monday
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.RunAt(tc.now, 1)
			assert.True(t, got.Equal(tc.want), "got %s, want %s", got, tc.want)
		})
	}
}

func TestRunAtShortDelaySkipsClamp(t *testing.T) {
	p := businessHoursPolicy()
	p.Base = 30 * time.Minute // below ClampMin

	// Sunday evening: a quick nudge still fires Sunday evening.
	now := time.Date(2026, 3, 15, 21, 0, 0, 0, time.UTC)
	got := p.RunAt(now, 1)
	assert.True(t, got.Equal(now.Add(30*time.Minute)), "got %s", got)
}
