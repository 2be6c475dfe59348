package service

import (
	"context"
	"time"

	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

type JobDefinitionGetter interface {
	Get(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error)
}

type JobInstanceRepository interface {
	Create(ctx context.Context, instance *queue.JobInstance) error
	GetByID(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error)
	GetActiveByIdempotencyKey(ctx context.Context, tnnt tenant.Tenant, key string) (*queue.JobInstance, error)
	GetSettledByIdempotencyKeySince(ctx context.Context, tnnt tenant.Tenant, key string, since time.Time) (*queue.JobInstance, error)
	Cancel(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, now time.Time) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// QueueService is the producer facing surface of the queue: enqueue, lookup
// and cancel. Workers go through the lease and completion services.
type QueueService struct {
	l       log.Logger
	catalog JobDefinitionGetter
	repo    JobInstanceRepository
	now     func() time.Time
}

func NewQueueService(l log.Logger, catalog JobDefinitionGetter, repo JobInstanceRepository) *QueueService {
	return &QueueService{
		l:       l,
		catalog: catalog,
		repo:    repo,
		now:     time.Now,
	}
}

// Enqueue records a new queued instance for the named job. When an
// idempotency key is supplied the call is safe to retry: a non terminal
// instance carrying the key is returned instead of a duplicate, and a
// settled instance still within the definition's dedup window is too.
func (s *QueueService) Enqueue(ctx context.Context, tnnt tenant.Tenant, req queue.EnqueueRequest) (queue.JobInstanceID, error) {
	jobName, err := job.NameFrom(req.JobName)
	if err != nil {
		return queue.JobInstanceID{}, err
	}

	definition, err := s.catalog.Get(ctx, tnnt, jobName)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrNotFound) {
			return queue.JobInstanceID{}, errors.NotFound(queue.EntityJobInstance, "unknown job "+req.JobName+" for tenant "+tnnt.Name().String())
		}
		return queue.JobInstanceID{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetActiveByIdempotencyKey(ctx, tnnt, req.IdempotencyKey)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.IsErrorType(err, errors.ErrNotFound) {
			return queue.JobInstanceID{}, err
		}

		if definition.DedupWindow > 0 {
			settled, err := s.repo.GetSettledByIdempotencyKeySince(ctx, tnnt, req.IdempotencyKey, s.now().Add(-definition.DedupWindow))
			if err == nil {
				return settled.ID, nil
			}
			if !errors.IsErrorType(err, errors.ErrNotFound) {
				return queue.JobInstanceID{}, err
			}
		}
	}

	instance, err := queue.NewJobInstance(definition, req, s.now())
	if err != nil {
		return queue.JobInstanceID{}, err
	}

	if err := s.repo.Create(ctx, instance); err != nil {
		// two producers raced on the same idempotency key, the store kept one
		if req.IdempotencyKey != "" && errors.IsErrorType(err, errors.ErrAlreadyExists) {
			existing, lookupErr := s.repo.GetActiveByIdempotencyKey(ctx, tnnt, req.IdempotencyKey)
			if lookupErr != nil {
				return queue.JobInstanceID{}, lookupErr
			}
			return existing.ID, nil
		}
		return queue.JobInstanceID{}, err
	}

	telemetry.NewCounter("queue_enqueued_total", map[string]string{
		"tenant": tnnt.Name().String(),
		"job":    jobName.String(),
	}).Inc()
	return instance.ID, nil
}

func (s *QueueService) Get(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error) {
	return s.repo.GetByID(ctx, tnnt, id)
}

// Cancel transitions a queued or retrying instance to canceled. In flight
// work is left to the worker's own cooperative check, completed work cannot
// be reopened.
func (s *QueueService) Cancel(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) error {
	instance, err := s.repo.GetByID(ctx, tnnt, id)
	if err != nil {
		return err
	}

	if !instance.Status.IsLeasable() {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"cannot cancel instance "+id.String()+" in state "+instance.Status.String())
	}

	if err := s.repo.Cancel(ctx, tnnt, id, instance.Status, s.now()); err != nil {
		return err
	}

	s.l.Info("canceled job instance", "tenant", tnnt.Name().String(), "instance", id.String())
	return nil
}

// PurgeTerminal drops terminal instances older than the retention cutoff.
func (s *QueueService) PurgeTerminal(ctx context.Context, retention time.Duration) error {
	deleted, err := s.repo.DeleteTerminalBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.l.Info("purged terminal job instances", "count", deleted)
	}
	return nil
}
