package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/schedule"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

type ScheduleRepository interface {
	Create(ctx context.Context, sch *schedule.Schedule) error
	GetByID(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*schedule.Schedule, error)
	GetAll(ctx context.Context, tnnt tenant.Tenant) ([]*schedule.Schedule, error)
	GetDue(ctx context.Context, now time.Time) ([]*schedule.Schedule, error)
	Update(ctx context.Context, sch *schedule.Schedule) error
	SetActive(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID, active bool) error
	Delete(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error
}

type ExecutionCounter interface {
	CountActiveBySchedule(ctx context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID) (int, error)
	CountByScheduleSince(ctx context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID, since time.Time) (int, error)
}

type JobDefinitionGetter interface {
	Get(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tnnt tenant.Tenant, req queue.EnqueueRequest) (queue.JobInstanceID, error)
}

// SchedulerService turns cron definitions into queued instances. EvaluateDue
// is driven by an external trigger, typically a ticker in the server.
type SchedulerService struct {
	l        log.Logger
	repo     ScheduleRepository
	catalog  JobDefinitionGetter
	counter  ExecutionCounter
	enqueuer Enqueuer
	now      func() time.Time
}

func NewSchedulerService(l log.Logger, repo ScheduleRepository, catalog JobDefinitionGetter,
	counter ExecutionCounter, enqueuer Enqueuer,
) *SchedulerService {
	return &SchedulerService{
		l:        l,
		repo:     repo,
		catalog:  catalog,
		counter:  counter,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

func (s *SchedulerService) Create(ctx context.Context, tnnt tenant.Tenant, jobName, expression, timezone string,
	maxConcurrent, maxPerDay int,
) (*schedule.Schedule, error) {
	name, err := job.NameFrom(jobName)
	if err != nil {
		return nil, err
	}
	// schedules may only reference catalog jobs
	if _, err := s.catalog.Get(ctx, tnnt, name); err != nil {
		return nil, err
	}

	sch, err := schedule.NewSchedule(tnnt, name, expression, timezone, maxConcurrent, maxPerDay, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, sch); err != nil {
		return nil, err
	}
	s.l.Info("created schedule", "tenant", tnnt.Name().String(), "job", jobName, "expression", expression)
	return sch, nil
}

func (s *SchedulerService) Get(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*schedule.Schedule, error) {
	return s.repo.GetByID(ctx, tnnt, id)
}

func (s *SchedulerService) List(ctx context.Context, tnnt tenant.Tenant) ([]*schedule.Schedule, error) {
	return s.repo.GetAll(ctx, tnnt)
}

func (s *SchedulerService) Pause(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.repo.SetActive(ctx, tnnt, id, false)
}

func (s *SchedulerService) Resume(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.repo.SetActive(ctx, tnnt, id, true)
}

func (s *SchedulerService) Delete(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.repo.Delete(ctx, tnnt, id)
}

// EvaluateDue fires every active schedule whose next execution has passed.
// A schedule that fails does not stop the sweep, errors are accumulated.
func (s *SchedulerService) EvaluateDue(ctx context.Context) error {
	now := s.now()
	due, err := s.repo.GetDue(ctx, now)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, sch := range due {
		if err := s.fire(ctx, sch, now); err != nil {
			s.l.Error("unable to fire schedule", "schedule", sch.ID.String(), "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *SchedulerService) fire(ctx context.Context, sch *schedule.Schedule, now time.Time) error {
	skipReason, err := s.capExceeded(ctx, sch, now)
	if err != nil {
		return err
	}
	if skipReason != "" {
		// the occurrence is skipped outright, the next one fires on cadence
		s.l.Warn("skipped schedule firing", "tenant", sch.Tenant.Name().String(),
			"schedule", sch.ID.String(), "reason", skipReason)
		telemetry.NewCounter("scheduler_skipped_total", map[string]string{
			"tenant": sch.Tenant.Name().String(),
			"reason": skipReason,
		}).Inc()

		spec, err := sch.Cron()
		if err != nil {
			return err
		}
		sch.NextExecutionAt = spec.Next(now)
		return s.repo.Update(ctx, sch)
	}

	scheduleID := sch.ID
	// the occurrence time keys the enqueue, two scheduler processes
	// sweeping the same minute enqueue one instance, not two
	idempotencyKey := sch.ID.String() + "@" + sch.NextExecutionAt.UTC().Format(time.RFC3339)

	if _, err := s.enqueuer.Enqueue(ctx, sch.Tenant, queue.EnqueueRequest{
		JobName:        sch.JobName.String(),
		IdempotencyKey: idempotencyKey,
		ScheduleID:     &scheduleID,
	}); err != nil {
		return err
	}

	if err := sch.Advance(now); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, sch); err != nil {
		return err
	}

	telemetry.NewCounter("scheduler_fired_total", map[string]string{
		"tenant": sch.Tenant.Name().String(),
		"job":    sch.JobName.String(),
	}).Inc()
	return nil
}

func (s *SchedulerService) capExceeded(ctx context.Context, sch *schedule.Schedule, now time.Time) (string, error) {
	if sch.MaxConcurrentExecutions > 0 {
		active, err := s.counter.CountActiveBySchedule(ctx, sch.Tenant, sch.ID)
		if err != nil {
			return "", err
		}
		if active >= sch.MaxConcurrentExecutions {
			return "max_concurrent_executions", nil
		}
	}

	if sch.MaxExecutionsPerDay > 0 {
		loc, err := time.LoadLocation(sch.Timezone)
		if err != nil {
			return "", err
		}
		local := now.In(loc)
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		fired, err := s.counter.CountByScheduleSince(ctx, sch.Tenant, sch.ID, dayStart)
		if err != nil {
			return "", err
		}
		if fired >= sch.MaxExecutionsPerDay {
			return "max_executions_per_day", nil
		}
	}
	return "", nil
}
