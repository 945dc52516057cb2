package sched

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAdvanceRunsHandlersInDueOrder(t *testing.T) {
	s := New(epoch, 0, nil)
	var got []string
	s.Every("fast", 100*time.Millisecond, func(time.Time) { got = append(got, "fast") })
	s.Every("slow", 250*time.Millisecond, func(time.Time) { got = append(got, "slow") })
	s.Advance(500 * time.Millisecond)
	want := []string{"fast", "fast", "slow", "fast", "fast", "fast", "slow"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if !s.Now().Equal(epoch.Add(500 * time.Millisecond)) {
		t.Fatalf("clock at %v", s.Now())
	}
}

func TestTiesBreakByRegistrationOrder(t *testing.T) {
	s := New(epoch, 0, nil)
	var got []string
	s.Every("b", time.Second, func(time.Time) { got = append(got, "b") })
	s.Every("a", time.Second, func(time.Time) { got = append(got, "a") })
	s.Advance(time.Second)
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestStopPreventsFurtherHandlers(t *testing.T) {
	s := New(epoch, 0, nil)
	calls := 0
	s.Every("tick", time.Second, func(time.Time) {
		calls++
		if calls == 2 {
			s.Stop()
		}
	})
	s.Advance(10 * time.Second)
	if calls != 2 {
		t.Fatalf("expected 2 calls before stop, got %d", calls)
	}
	s.Advance(10 * time.Second)
	if calls != 2 {
		t.Fatalf("handler ran after stop: %d", calls)
	}
	if s.Alive() {
		t.Fatalf("scheduler still alive")
	}
}

func TestAfterAndCancel(t *testing.T) {
	s := New(epoch, 0, nil)
	fired := 0
	s.After("once", 500*time.Millisecond, func(time.Time) { fired++ })
	cancel := s.Every("cancelled", 100*time.Millisecond, func(time.Time) { t.Fatalf("cancelled handler ran") })
	cancel()
	s.Advance(2 * time.Second)
	if fired != 1 {
		t.Fatalf("one-shot fired %d times", fired)
	}
}

func TestPanickingHandlerDoesNotStopClock(t *testing.T) {
	s := New(epoch, 0, nil)
	calls := 0
	s.Every("boom", time.Second, func(time.Time) { panic("boom") })
	s.Every("ok", time.Second, func(time.Time) { calls++ })
	s.Advance(3 * time.Second)
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
