package scheduler

import (
	"fmt"
	"time"

	"camfleet/fleet-core/internal/recordstore"
)

type scheduleKind int

const (
	kindInterval scheduleKind = iota
	kindDaily
)

// Schedule is an explicit fire-time model, replacing cron-string scheduling.
// Interval schedules fire on minute boundaries where
// (minuteOfHour - offset) mod period == 0; daily schedules fire once per day
// at a fixed UTC time.
type Schedule struct {
	kind   scheduleKind
	period int // minutes
	offset int // minutes
	hour   int
	minute int
}

func IntervalSchedule(period, offset int) (Schedule, error) {
	if period < 1 {
		return Schedule{}, fmt.Errorf("interval period must be at least 1 minute, got %d", period)
	}
	if offset < 0 {
		return Schedule{}, fmt.Errorf("interval offset must not be negative, got %d", offset)
	}
	return Schedule{kind: kindInterval, period: period, offset: offset}, nil
}

func DailySchedule(hour, minute int) (Schedule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("daily schedule %02d:%02d out of range", hour, minute)
	}
	return Schedule{kind: kindDaily, hour: hour, minute: minute}, nil
}

// Next returns the first fire time strictly after now, or the zero time if the
// schedule cannot fire within the next 24 hours (an unsatisfiable phase, e.g.
// an offset that never lands on a minute-of-hour).
func (s Schedule) Next(now time.Time) time.Time {
	now = now.UTC()

	if s.kind == kindDaily {
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next
	}

	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 24*60; i++ {
		rem := (candidate.Minute() - s.offset) % s.period
		if rem < 0 {
			rem += s.period
		}
		if rem == 0 {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}

// SchedulesFor validates an automation config and derives the on/off schedule
// pair. Duration mode alternates the two modes with period on+off minutes;
// time-of-day mode fires each phase once daily. HH:MM parsing is zero-aware:
// "00:30" and "14:00" are valid times.
func SchedulesFor(auto *recordstore.DeviceAutomation) (on, off Schedule, err error) {
	if auto == nil {
		return Schedule{}, Schedule{}, fmt.Errorf("device has no automation config")
	}

	switch auto.AutomationType {
	case recordstore.AutomationDuration:
		if auto.On.Minutes < 1 || auto.Off.Minutes < 1 {
			return Schedule{}, Schedule{}, fmt.Errorf(
				"duration automation needs on/off minutes >= 1, got on=%d off=%d",
				auto.On.Minutes, auto.Off.Minutes)
		}
		period := auto.On.Minutes + auto.Off.Minutes
		if on, err = IntervalSchedule(period, 0); err != nil {
			return Schedule{}, Schedule{}, err
		}
		if off, err = IntervalSchedule(period, auto.On.Minutes); err != nil {
			return Schedule{}, Schedule{}, err
		}
		return on, off, nil

	case recordstore.AutomationTimeOfDay:
		onHour, onMin, err := recordstore.ParseClock(auto.On.UTCDate)
		if err != nil {
			return Schedule{}, Schedule{}, fmt.Errorf("on time: %w", err)
		}
		offHour, offMin, err := recordstore.ParseClock(auto.Off.UTCDate)
		if err != nil {
			return Schedule{}, Schedule{}, fmt.Errorf("off time: %w", err)
		}
		if on, err = DailySchedule(onHour, onMin); err != nil {
			return Schedule{}, Schedule{}, err
		}
		if off, err = DailySchedule(offHour, offMin); err != nil {
			return Schedule{}, Schedule{}, err
		}
		return on, off, nil

	default:
		return Schedule{}, Schedule{}, fmt.Errorf("unknown automation type %q", auto.AutomationType)
	}
}
