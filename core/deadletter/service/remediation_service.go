package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type EntryRepository interface {
	GetByID(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*deadletter.Entry, error)
	List(ctx context.Context, tnnt tenant.Tenant, status *deadletter.RemediationStatus) ([]*deadletter.Entry, error)
	UpdateRemediation(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID, status deadletter.RemediationStatus) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tnnt tenant.Tenant, req queue.EnqueueRequest) (queue.JobInstanceID, error)
}

// RemediationService is the operator surface over the dead letter store.
// Entries arrive only through completion, here they are inspected, replayed
// or closed out.
type RemediationService struct {
	l        log.Logger
	repo     EntryRepository
	enqueuer Enqueuer
	now      func() time.Time
}

func NewRemediationService(l log.Logger, repo EntryRepository, enqueuer Enqueuer) *RemediationService {
	return &RemediationService{
		l:        l,
		repo:     repo,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

func (s *RemediationService) Get(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*deadletter.Entry, error) {
	return s.repo.GetByID(ctx, tnnt, id)
}

func (s *RemediationService) List(ctx context.Context, tnnt tenant.Tenant, status *deadletter.RemediationStatus) ([]*deadletter.Entry, error) {
	return s.repo.List(ctx, tnnt, status)
}

func (s *RemediationService) Investigate(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.transition(ctx, tnnt, id, deadletter.RemediationInvestigating)
}

func (s *RemediationService) Resolve(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.transition(ctx, tnnt, id, deadletter.RemediationResolved)
}

func (s *RemediationService) Archive(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	return s.transition(ctx, tnnt, id, deadletter.RemediationArchived)
}

func (s *RemediationService) transition(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID, to deadletter.RemediationStatus) error {
	entry, err := s.repo.GetByID(ctx, tnnt, id)
	if err != nil {
		return err
	}
	if entry.RemediationStatus == deadletter.RemediationArchived {
		return errors.FailedPrecondition(deadletter.EntityDeadLetter,
			"entry "+id.String()+" is archived and cannot change status")
	}
	return s.repo.UpdateRemediation(ctx, tnnt, id, to)
}

// Replay enqueues a fresh instance with the dead lettered input and marks the
// entry resolved. The new instance starts with a clean retry budget.
func (s *RemediationService) Replay(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (queue.JobInstanceID, error) {
	entry, err := s.repo.GetByID(ctx, tnnt, id)
	if err != nil {
		return queue.JobInstanceID{}, err
	}
	if entry.RemediationStatus == deadletter.RemediationArchived {
		return queue.JobInstanceID{}, errors.FailedPrecondition(deadletter.EntityDeadLetter,
			"entry "+id.String()+" is archived and cannot be replayed")
	}

	instanceID, err := s.enqueuer.Enqueue(ctx, tnnt, queue.EnqueueRequest{
		JobName: entry.JobName.String(),
		Input:   entry.Input,
	})
	if err != nil {
		return queue.JobInstanceID{}, err
	}

	if err := s.repo.UpdateRemediation(ctx, tnnt, id, deadletter.RemediationResolved); err != nil {
		return queue.JobInstanceID{}, err
	}

	s.l.Info("replayed dead letter entry", "tenant", tnnt.Name().String(),
		"entry", id.String(), "instance", instanceID.String())
	return instanceID, nil
}

// PurgeExpired drops entries past their retention expiry.
func (s *RemediationService) PurgeExpired(ctx context.Context) error {
	deleted, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.l.Info("purged expired dead letter entries", "count", deleted)
	}
	return nil
}
