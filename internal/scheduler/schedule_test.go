package scheduler

import (
	"testing"
	"time"

	"camfleet/fleet-core/internal/recordstore"
)

func mustInterval(t *testing.T, period, offset int) Schedule {
	t.Helper()
	s, err := IntervalSchedule(period, offset)
	if err != nil {
		t.Fatalf("IntervalSchedule(%d, %d): %v", period, offset, err)
	}
	return s
}

func TestIntervalSchedule_DurationCyclePattern(t *testing.T) {
	// on=5 off=10: on fires at :00 :15 :30 ..., off fires at :05 :20 :35 ...
	on := mustInterval(t, 15, 0)
	off := mustInterval(t, 15, 5)

	base := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)

	next := on.Next(base)
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("on next from 11:59 = %v, want %v", next, want)
	}

	next = off.Next(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("off next from 12:00 = %v, want %v", next, want)
	}

	// The cycle repeats: after the off fire, the next on fire is at 12:15.
	next = on.Next(time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("on next from 12:05 = %v, want %v", next, want)
	}
}

func TestIntervalSchedule_NextIsStrictlyFuture(t *testing.T) {
	on := mustInterval(t, 15, 0)

	// Exactly on a fire minute: the next fire is one full period later.
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := on.Next(at)
	if want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next from exact fire minute = %v, want %v", next, want)
	}
}

func TestIntervalSchedule_UnsatisfiableReturnsZero(t *testing.T) {
	// period 120 with offset 90 never lands on a minute-of-hour.
	s := mustInterval(t, 120, 90)
	if next := s.Next(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)); !next.IsZero() {
		t.Fatalf("expected zero time for unsatisfiable schedule, got %v", next)
	}
}

func TestDailySchedule_OncePerDay(t *testing.T) {
	s, err := DailySchedule(8, 0)
	if err != nil {
		t.Fatalf("DailySchedule: %v", err)
	}

	before := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	next := s.Next(before)
	if want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next from 07:30 = %v, want %v", next, want)
	}

	// From the fire time itself, the next fire is tomorrow: exactly one fire
	// per 24h period.
	next = s.Next(next)
	if want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next from 08:00 = %v, want %v", next, want)
	}
}

func TestSchedulesFor_Duration(t *testing.T) {
	on, off, err := SchedulesFor(&recordstore.DeviceAutomation{
		AutomationType: recordstore.AutomationDuration,
		On:             recordstore.AutomationPhase{Minutes: 5, Mode: "day"},
		Off:            recordstore.AutomationPhase{Minutes: 10, Mode: "night"},
	})
	if err != nil {
		t.Fatalf("SchedulesFor: %v", err)
	}
	if on.period != 15 || on.offset != 0 {
		t.Fatalf("on schedule = %+v, want period 15 offset 0", on)
	}
	if off.period != 15 || off.offset != 5 {
		t.Fatalf("off schedule = %+v, want period 15 offset 5", off)
	}
}

func TestSchedulesFor_RejectsZeroMinutes(t *testing.T) {
	_, _, err := SchedulesFor(&recordstore.DeviceAutomation{
		AutomationType: recordstore.AutomationDuration,
		On:             recordstore.AutomationPhase{Minutes: 0, Mode: "day"},
		Off:            recordstore.AutomationPhase{Minutes: 10, Mode: "night"},
	})
	if err == nil {
		t.Fatal("expected zero on.minutes to be rejected")
	}
}

func TestSchedulesFor_TimeOfDayAcceptsZeroComponents(t *testing.T) {
	// "00:30" and "14:00" are valid times; zero hour/minute components must
	// not be treated as missing.
	on, off, err := SchedulesFor(&recordstore.DeviceAutomation{
		AutomationType: recordstore.AutomationTimeOfDay,
		On:             recordstore.AutomationPhase{UTCDate: "00:30", Mode: "day"},
		Off:            recordstore.AutomationPhase{UTCDate: "14:00", Mode: "night"},
	})
	if err != nil {
		t.Fatalf("SchedulesFor: %v", err)
	}
	if on.hour != 0 || on.minute != 30 {
		t.Fatalf("on schedule = %+v, want 00:30", on)
	}
	if off.hour != 14 || off.minute != 0 {
		t.Fatalf("off schedule = %+v, want 14:00", off)
	}
}

func TestSchedulesFor_RejectsMalformedTimes(t *testing.T) {
	for _, bad := range []string{"", "8", "8am", "25:00", "08:61", "aa:bb"} {
		_, _, err := SchedulesFor(&recordstore.DeviceAutomation{
			AutomationType: recordstore.AutomationTimeOfDay,
			On:             recordstore.AutomationPhase{UTCDate: bad, Mode: "day"},
			Off:            recordstore.AutomationPhase{UTCDate: "20:00", Mode: "night"},
		})
		if err == nil {
			t.Fatalf("expected time %q to be rejected", bad)
		}
	}
}

func TestSchedulesFor_RejectsUnknownType(t *testing.T) {
	_, _, err := SchedulesFor(&recordstore.DeviceAutomation{AutomationType: "weekly"})
	if err == nil {
		t.Fatal("expected unknown automation type to be rejected")
	}
	if _, _, err := SchedulesFor(nil); err == nil {
		t.Fatal("expected nil automation to be rejected")
	}
}
