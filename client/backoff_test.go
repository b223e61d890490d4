package client

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBackoffDoubling verifies the deterministic schedule with jitter
// disabled.
func TestBackoffDoubling(t *testing.T) {
	t.Parallel()

	b := newBackoff(2*time.Second, 30*time.Second, 0)

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("next() #%d = %v, want %v", i, got, w)
		}
	}
}

// TestBackoffReset verifies reset returns the schedule to the base delay.
func TestBackoffReset(t *testing.T) {
	t.Parallel()

	b := newBackoff(time.Second, 30*time.Second, 0)
	b.next()
	b.next()
	b.reset()

	if got := b.next(); got != time.Second {
		t.Errorf("next() after reset = %v, want %v", got, time.Second)
	}
}

// TestBackoffDefaults verifies sanity fixes on degenerate parameters.
func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := newBackoff(0, 0, 0)
	first := b.next()
	if first <= 0 {
		t.Errorf("next() = %v, want a positive default", first)
	}
	if b.cap < b.base {
		t.Errorf("cap %v should never be below base %v", b.cap, b.base)
	}
}

// TestBackoffSchedule checks across random parameters that the produced
// delays never decrease and never exceed the cap.
func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delays are non-decreasing and capped", prop.ForAll(
		func(baseMs, capMs, jitterMs int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			cap := time.Duration(capMs) * time.Millisecond
			jitter := time.Duration(jitterMs) * time.Millisecond

			b := newBackoff(base, cap, jitter)
			prev := time.Duration(0)
			for i := 0; i < 20; i++ {
				d := b.next()
				if d < prev || d > b.cap {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 60000),
		gen.IntRange(0, 2000),
	))

	properties.TestingRun(t)
}
