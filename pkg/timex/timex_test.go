package timex

import (
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 9, 19, 14, 0, 0, 0, time.UTC)
	f := NewFake(start)
	var seen []time.Time
	f.OnAdvance(func(now time.Time) { seen = append(seen, now) })

	f.Sleep(1500 * time.Millisecond)
	f.Sleep(0)
	f.Advance(time.Second)

	if got := f.Now().Sub(start); got != 2500*time.Millisecond {
		t.Fatalf("elapsed=%v want 2.5s", got)
	}
	if f.Slept() != 1500*time.Millisecond {
		t.Fatalf("slept=%v", f.Slept())
	}
	if len(seen) != 2 {
		t.Fatalf("hooks ran %d times, want 2", len(seen))
	}
}
