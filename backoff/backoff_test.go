package backoff

import (
	"testing"
	"time"
)

func TestNextStartsAtBase(t *testing.T) {
	b := New()
	b.Jitter = 0
	if got := b.Next(); got != DefaultBase {
		t.Errorf("first Next() = %v, want %v", got, DefaultBase)
	}
}

func TestGrowthMonotonicToCap(t *testing.T) {
	b := New()
	b.Jitter = 0
	var prev time.Duration
	for i := 0; i < 20; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay decreased: %v after %v (attempt %d)", d, prev, i)
		}
		if d > DefaultCap {
			t.Fatalf("delay %v exceeds cap %v", d, DefaultCap)
		}
		prev = d
	}
	if prev != DefaultCap {
		t.Errorf("delay did not reach cap: got %v", prev)
	}
}

func TestGrowthSequence(t *testing.T) {
	b := New()
	b.Jitter = 0
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestJitterWithinBounds(t *testing.T) {
	b := New()
	seenDistinct := false
	var first time.Duration
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		lo := DefaultBase - time.Duration(DefaultJitter*float64(DefaultBase))
		hi := DefaultBase + time.Duration(DefaultJitter*float64(DefaultBase))
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
		if i == 0 {
			first = d
		} else if d != first {
			seenDistinct = true
		}
	}
	if !seenDistinct {
		t.Error("jitter produced identical delays across 50 samples")
	}
}

func TestResetReturnsToBase(t *testing.T) {
	b := New()
	b.Jitter = 0
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != DefaultBase {
		t.Errorf("Next() after Reset = %v, want %v", got, DefaultBase)
	}
}

func TestObserveUptime(t *testing.T) {
	b := New()
	b.Jitter = 0
	for i := 0; i < 5; i++ {
		b.Next()
	}
	if b.ObserveUptime(5 * time.Second) {
		t.Error("ObserveUptime reset after an unstable period")
	}
	if got := b.Current(); got == DefaultBase {
		t.Error("delay reset despite unstable uptime")
	}
	if !b.ObserveUptime(DefaultStability) {
		t.Error("ObserveUptime did not reset after a stable period")
	}
	if got := b.Next(); got != DefaultBase {
		t.Errorf("Next() after stable uptime = %v, want %v", got, DefaultBase)
	}
}
