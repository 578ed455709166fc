package scheduler

import (
	"fmt"
	"time"
)

// Schedule determines when a periodic job should next run.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

// intervalSchedule runs at fixed intervals.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// Every returns a schedule that fires at the given fixed interval.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d}
}

// dailySchedule runs once per day at the specified time.
type dailySchedule struct {
	hour   int
	minute int
}

func (s dailySchedule) Next(from time.Time) time.Time {
	next := time.Date(
		from.Year(), from.Month(), from.Day(),
		s.hour, s.minute, 0, 0, from.Location(),
	)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d", s.hour, s.minute)
}

// Daily returns a schedule that fires once per day at hour:minute.
func Daily(hour, minute int) Schedule {
	return dailySchedule{hour: hour, minute: minute}
}
