package dispatch

import (
	"testing"
	"time"
)

func TestCheckNowFiresDueTimers(t *testing.T) {
	ts := NewTimerSet()
	base := time.Now()
	fired := 0
	ts.Schedule(base, func(time.Time) { fired++ })
	ts.Schedule(base.Add(time.Hour), func(time.Time) { fired++ })

	ts.CheckNow(base)
	if fired != 1 {
		t.Fatalf("expected exactly 1 timer fired, got %d", fired)
	}
	if ts.Len() != 1 {
		t.Fatalf("expected 1 timer still pending, got %d", ts.Len())
	}
}

func TestRecurringTimerReschedules(t *testing.T) {
	ts := NewTimerSet()
	base := time.Now()
	fired := 0
	ts.ScheduleRecurring(base, time.Second, func(time.Time) { fired++ })

	ts.CheckNow(base)
	ts.CheckNow(base.Add(999 * time.Millisecond))
	if fired != 1 {
		t.Fatalf("expected only 1 fire before interval elapses, got %d", fired)
	}
	ts.CheckNow(base.Add(time.Second))
	if fired != 2 {
		t.Fatalf("expected 2 fires after interval elapses, got %d", fired)
	}
}

func TestCancelledTimerLazilyDropped(t *testing.T) {
	ts := NewTimerSet()
	base := time.Now()
	fired := false
	timer := ts.Schedule(base, func(time.Time) { fired = true })
	ts.Cancel(timer)

	ts.CheckNow(base)
	if fired {
		t.Fatal("expected cancelled timer not to fire")
	}
}
