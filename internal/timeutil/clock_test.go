package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	got := clock.Advance(10 * time.Second)
	if !got.Equal(start.Add(10 * time.Second)) {
		t.Errorf("Advance() = %v, want %v", got, start.Add(10*time.Second))
	}
	if d := clock.Since(start); d != 10*time.Second {
		t.Errorf("Since() = %v, want 10s", d)
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	target := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(target)
	if !clock.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", clock.Now(), target)
	}
}

func TestFromMillis(t *testing.T) {
	got := FromMillis(1_700_000_000_123)
	if got.UnixMilli() != 1_700_000_000_123 {
		t.Errorf("FromMillis round trip = %d", got.UnixMilli())
	}
}
