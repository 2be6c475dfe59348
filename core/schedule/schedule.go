package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
	"github.com/conveyorhq/conveyor/internal/lib/cron"
)

const EntitySchedule = "schedule"

// Schedule fires a catalog job on a cron interval evaluated in its own
// timezone. The scheduler advances NextExecutionAt after every firing.
type Schedule struct {
	ID     uuid.UUID
	Tenant tenant.Tenant

	JobName    job.Name
	Expression string
	Timezone   string

	NextExecutionAt time.Time

	MaxConcurrentExecutions int
	MaxExecutionsPerDay     int
	ExecutionCount          int

	IsActive bool
}

func NewSchedule(tnnt tenant.Tenant, jobName job.Name, expression, timezone string,
	maxConcurrent, maxPerDay int, now time.Time,
) (*Schedule, error) {
	if tnnt.IsEmpty() {
		return nil, errors.InvalidArgument(EntitySchedule, "tenant is empty")
	}
	if maxConcurrent < 0 || maxPerDay < 0 {
		return nil, errors.InvalidArgument(EntitySchedule, "execution caps cannot be negative")
	}
	if timezone == "" {
		timezone = "UTC"
	}

	spec, err := cron.ParseCronScheduleIn(expression, timezone)
	if err != nil {
		return nil, errors.InvalidArgument(EntitySchedule, "invalid cron expression "+expression+": "+err.Error())
	}

	return &Schedule{
		ID:                      uuid.New(),
		Tenant:                  tnnt,
		JobName:                 jobName,
		Expression:              expression,
		Timezone:                timezone,
		NextExecutionAt:         spec.Next(now),
		MaxConcurrentExecutions: maxConcurrent,
		MaxExecutionsPerDay:     maxPerDay,
		IsActive:                true,
	}, nil
}

// Cron returns the parsed schedule spec. The expression and timezone were
// validated at construction, a stored schedule that no longer parses is
// reported as a failed precondition.
func (s *Schedule) Cron() (*cron.ScheduleSpec, error) {
	spec, err := cron.ParseCronScheduleIn(s.Expression, s.Timezone)
	if err != nil {
		return nil, errors.FailedPrecondition(EntitySchedule, "stored cron expression no longer parses: "+s.Expression)
	}
	return spec, nil
}

// IsDue reports whether the schedule should fire at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.IsActive && !s.NextExecutionAt.After(now)
}

// Advance moves NextExecutionAt past now and counts the firing.
func (s *Schedule) Advance(now time.Time) error {
	spec, err := s.Cron()
	if err != nil {
		return err
	}
	s.NextExecutionAt = spec.Next(now)
	s.ExecutionCount++
	return nil
}
