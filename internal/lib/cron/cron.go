package cron

import (
	"time"

	roboCron "github.com/robfig/cron/v3"
)

type ScheduleSpec struct {
	schd roboCron.Schedule
	loc  *time.Location
}

// ParseCronSchedule can parse standard cron notation
// it returns a new crontab schedule representing the given
// standardSpec (https://en.wikipedia.org/wiki/Cron). It requires 5 entries
// representing: minute, hour, day of month, month and day of week, in that
// order. Times are evaluated in UTC.
//
// It accepts
//   - Standard crontab specs, e.g. "* * * * ?"
//   - Descriptors, e.g. "@midnight", "@every 1h30m"
func ParseCronSchedule(interval string) (*ScheduleSpec, error) {
	return ParseCronScheduleIn(interval, "UTC")
}

// ParseCronScheduleIn parses the interval and evaluates occurrences in the
// given IANA timezone, so day boundaries and DST shifts follow that zone's
// wall clock.
func ParseCronScheduleIn(interval, timezone string) (*ScheduleSpec, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}

	roboCronSchedule, err := roboCron.ParseStandard(interval)
	if err != nil {
		return nil, err
	}

	return &ScheduleSpec{
		schd: roboCronSchedule,
		loc:  loc,
	}, nil
}

// Next accepts the time and returns the next run time that should
// be used for execution
func (s *ScheduleSpec) Next(t time.Time) time.Time {
	return s.schd.Next(t.In(s.loc))
}

// Prev returns the schedule occurrence immediately before t. The robfig
// schedule only computes forward, so walk back far enough and step until
// the occurrence right before t.
func (s *ScheduleSpec) Prev(t time.Time) time.Time {
	backoff := time.Hour * 24
	start := t.Add(-backoff)
	for !s.Next(start).Before(t) {
		backoff *= 2
		start = t.Add(-backoff)
	}

	prev := s.Next(start)
	for {
		next := s.Next(prev)
		if !next.Before(t) {
			return prev
		}
		prev = next
	}
}

// Interval accepts the time and returns duration between
// prev schedule time and current schedule time
func (s *ScheduleSpec) Interval(t time.Time) time.Duration {
	return t.Sub(s.Prev(t))
}
