package service

import (
	"context"
	"time"

	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/metric"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

type CompletableInstanceRepository interface {
	GetByID(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error)
	FinishRun(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, to queue.State, output []byte, errMsg string, now time.Time) error
	ScheduleRetry(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, nextRetryAt, now time.Time) error
	// FinishWithDeadLetter records the terminal failure and its dead letter
	// entry as one atomic mutation, so the pairing is exact.
	FinishWithDeadLetter(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, entry *deadletter.Entry, now time.Time) error
}

type MetricsRecorder interface {
	Record(ctx context.Context, sample *metric.Sample) error
}

// CompletionService settles finished attempts: success, retry with backoff,
// or terminal failure with a dead letter snapshot. It also emits the duration
// and status samples external SLA tracking consumes.
type CompletionService struct {
	l       log.Logger
	catalog JobDefinitionGetter
	repo    CompletableInstanceRepository
	metrics MetricsRecorder
	now     func() time.Time
}

func NewCompletionService(l log.Logger, catalog JobDefinitionGetter, repo CompletableInstanceRepository, metrics MetricsRecorder) *CompletionService {
	return &CompletionService{
		l:       l,
		catalog: catalog,
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *CompletionService) Complete(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, status queue.State, output []byte, errMsg string) error {
	if status != queue.StateSucceeded && status != queue.StateFailed {
		return errors.InvalidArgument(queue.EntityJobInstance, "completion status must be succeeded or failed, got "+status.String())
	}

	instance, err := s.repo.GetByID(ctx, tnnt, id)
	if err != nil {
		return err
	}
	if instance.Status != queue.StateInProgress {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"cannot complete instance "+id.String()+" in state "+instance.Status.String())
	}

	now := s.now()
	executionTime := instance.ExecutionTime(now)
	s.recordCompletionSamples(ctx, instance, status, executionTime, now)

	if status == queue.StateSucceeded {
		if err := s.repo.FinishRun(ctx, tnnt, id, queue.StateSucceeded, output, "", now); err != nil {
			return err
		}
		s.trackSLA(ctx, instance, now)
		return nil
	}

	if instance.HasRetryBudget() {
		delay := queue.RetryBackoff(instance.RetryDelay, instance.RetryCount, instance.Timeout)
		if err := s.repo.ScheduleRetry(ctx, tnnt, id, errMsg, now.Add(delay), now); err != nil {
			return err
		}
		s.l.Info("scheduled retry for job instance", "tenant", tnnt.Name().String(),
			"instance", id.String(), "attempt", instance.RetryCount+1, "delay", delay)
		return nil
	}

	// retries exhausted, snapshot before the row can be purged
	instance.ErrorMessage = errMsg
	entry := deadletter.NewEntryFromInstance(instance, now)
	if err := s.repo.FinishWithDeadLetter(ctx, tnnt, id, errMsg, entry, now); err != nil {
		return err
	}

	s.l.Warn("job instance exhausted retries, dead lettered", "tenant", tnnt.Name().String(),
		"instance", id.String(), "job", instance.JobName.String(), "retries", instance.RetryCount)
	telemetry.NewCounter("queue_dead_lettered_total", map[string]string{
		"tenant": tnnt.Name().String(),
		"job":    instance.JobName.String(),
	}).Inc()
	return nil
}

func (s *CompletionService) recordCompletionSamples(ctx context.Context, instance *queue.JobInstance,
	status queue.State, executionTime time.Duration, now time.Time,
) {
	duration, err := metric.NewSample(instance.Tenant, instance.JobName, instance.ID,
		"execution_time_ms", float64(executionTime.Milliseconds()), metric.TypeTimer,
		map[string]string{"status": status.String()}, now)
	if err == nil {
		if err := s.metrics.Record(ctx, duration); err != nil {
			s.l.Error("unable to record duration sample", "instance", instance.ID.String(), "error", err)
		}
	}

	outcome, err := metric.NewSample(instance.Tenant, instance.JobName, instance.ID,
		"job_completions_total", 1, metric.TypeCounter,
		map[string]string{"status": status.String()}, now)
	if err == nil {
		if err := s.metrics.Record(ctx, outcome); err != nil {
			s.l.Error("unable to record completion sample", "instance", instance.ID.String(), "error", err)
		}
	}
}

func (s *CompletionService) trackSLA(ctx context.Context, instance *queue.JobInstance, now time.Time) {
	definition, err := s.catalog.Get(ctx, instance.Tenant, instance.JobName)
	if err != nil {
		s.l.Error("unable to resolve definition for SLA check", "job", instance.JobName.String(), "error", err)
		return
	}

	if !instance.HasSLABreached(definition.SLATarget, now) {
		return
	}

	// the recorder mirrors counter samples to prometheus, so the sample is
	// the single source of the breach increment
	breach, err := metric.NewSample(instance.Tenant, instance.JobName, instance.ID,
		"sla_breach_total", 1, metric.TypeCounter,
		map[string]string{"target_ms": definition.SLATarget.String()}, now)
	if err == nil {
		if err := s.metrics.Record(ctx, breach); err != nil {
			s.l.Error("unable to record SLA breach sample", "instance", instance.ID.String(), "error", err)
		}
	}
}
