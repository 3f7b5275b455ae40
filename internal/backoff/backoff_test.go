package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelay_StrictlyIncreasing(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Hour, MaxAttempts: 10}

	// Worst case for monotonicity: jitter maxed on the earlier attempt and
	// zero on the later one.
	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		low := p
		low.Jitter = func(int64) int64 { return 0 }
		high := p
		high.Jitter = func(n int64) int64 { return n - 1 }

		if attempt > 0 && low.Delay(attempt) <= prev {
			t.Fatalf("attempt %d: delay %v not above previous %v", attempt, low.Delay(attempt), prev)
		}
		prev = high.Delay(attempt)
	}
}

func TestDelay_Values(t *testing.T) {
	p := Policy{
		Base:   time.Second,
		Max:    10 * time.Second,
		Jitter: func(int64) int64 { return 0 },
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	p := Policy{Base: 200 * time.Millisecond, Max: time.Minute}
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		if d < 200*time.Millisecond || d >= 300*time.Millisecond {
			t.Fatalf("Delay(0) = %v, want [200ms, 300ms)", d)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Error("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Error("attempt 3 of 3 should be exhausted")
	}
	if (Policy{}).Exhausted(1000) {
		t.Error("zero MaxAttempts means unlimited")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("Sleep should return the context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep() error: %v", err)
	}
}
