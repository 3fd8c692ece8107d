package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/msgq/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 30*time.Second)
	for _, attempt := range []int{6, 20, 5000} {
		if got := e.Delay(attempt); got != 30*time.Second {
			t.Errorf("Delay(%d) = %v, want 30s", attempt, got)
		}
	}
}

func TestEqualJitter_StaysInUpperHalf(t *testing.T) {
	e := backoff.NewEqualJitter(100*time.Millisecond, time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		base := backoff.NewExponential(100*time.Millisecond, time.Second).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < base/2 || got > base {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, got, base/2, base)
			}
		}
	}
}

func TestEqualJitter_NeverZero(t *testing.T) {
	e := backoff.WaitStrategy(time.Millisecond, 10*time.Millisecond)
	for range 1000 {
		if e.Delay(1) <= 0 {
			t.Fatal("wait strategy must never return a zero delay")
		}
	}
}

func TestReconnectStrategy(t *testing.T) {
	s := backoff.ReconnectStrategy()
	if got := s.Delay(100); got > 10*time.Second || got < 5*time.Second {
		t.Errorf("Delay(100) = %v, want within [5s, 10s]", got)
	}
}
