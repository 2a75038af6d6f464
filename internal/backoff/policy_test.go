package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	p := New(100*time.Millisecond, 10*time.Second, 2, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayMonotonicAndCapped(t *testing.T) {
	p := New(50*time.Millisecond, 2*time.Second, 1.7, 0)

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", n, d, n-1, prev)
		}
		if d > 2*time.Second {
			t.Fatalf("Delay(%d) = %v exceeds max", n, d)
		}
		prev = d
	}
}

func TestJitterBounds(t *testing.T) {
	p := New(time.Second, time.Minute, 2, 0.3)

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < time.Second || d > 1300*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1s, 1.3s]", d)
		}
	}
}

func TestNextAdvancesAndReset(t *testing.T) {
	p := New(100*time.Millisecond, 10*time.Second, 2, 0)

	if d := p.Next(); d != 100*time.Millisecond {
		t.Errorf("first Next() = %v, want 100ms", d)
	}
	if d := p.Next(); d != 200*time.Millisecond {
		t.Errorf("second Next() = %v, want 200ms", d)
	}
	if got := p.Attempt(); got != 2 {
		t.Errorf("Attempt() = %d, want 2", got)
	}

	p.Reset()
	if got := p.Attempt(); got != 0 {
		t.Errorf("Attempt() after Reset = %d, want 0", got)
	}
	if d := p.Next(); d != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", d)
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	p := New(0, 0, 0, -1)
	if d := p.Delay(1); d != time.Second {
		t.Errorf("Delay(1) with zero config = %v, want 1s", d)
	}
}
