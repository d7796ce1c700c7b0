package queue

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_RespectsCap(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.Rand = rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 20; attempt++ {
		d := b.Duration(attempt)
		if d < 0 || d > 30*time.Second {
			t.Fatalf("attempt %d: duration %v out of [0, cap]", attempt, d)
		}
	}
}

func TestBackoff_UpperBoundGrowsWithAttempt(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour)

	prevUpper := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		b.Rand = rand.New(rand.NewSource(int64(attempt)))
		upper := b.Base << uint(attempt-1)
		if upper > b.Cap {
			upper = b.Cap
		}
		if upper < prevUpper {
			t.Fatalf("attempt %d: upper bound %v regressed below previous %v", attempt, upper, prevUpper)
		}
		prevUpper = upper

		d := b.Duration(attempt)
		if d > upper {
			t.Fatalf("attempt %d: duration %v exceeds upper bound %v", attempt, d, upper)
		}
	}
}

func TestBackoff_ZeroAttemptTreatedAsFirst(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Rand = rand.New(rand.NewSource(42))

	d0 := b.Duration(0)
	if d0 < 0 || d0 > time.Second {
		t.Fatalf("Duration(0) = %v, want within first-attempt bound", d0)
	}
}
