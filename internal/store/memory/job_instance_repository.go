package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type JobInstanceRepository struct {
	store *Store
}

func NewJobInstanceRepository(store *Store) *JobInstanceRepository {
	return &JobInstanceRepository{store: store}
}

func (r *JobInstanceRepository) Create(_ context.Context, instance *queue.JobInstance) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if instance.IdempotencyKey != "" {
		for _, existing := range r.store.instances {
			if existing.Tenant == instance.Tenant &&
				existing.IdempotencyKey == instance.IdempotencyKey &&
				!existing.IsTerminal() {
				return errors.AlreadyExists(queue.EntityJobInstance,
					"active instance with idempotency key "+instance.IdempotencyKey+" already exists")
			}
		}
	}

	r.store.instances[instance.ID.UUID()] = copyInstance(instance)
	return nil
}

func (r *JobInstanceRepository) GetByID(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.getLocked(tnnt, id)
}

func (r *JobInstanceRepository) getLocked(tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error) {
	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return nil, errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	return copyInstance(instance), nil
}

func (r *JobInstanceRepository) GetActiveByIdempotencyKey(_ context.Context, tnnt tenant.Tenant, key string) (*queue.JobInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, instance := range r.store.instances {
		if instance.Tenant == tnnt && instance.IdempotencyKey == key && !instance.IsTerminal() {
			return copyInstance(instance), nil
		}
	}
	return nil, errors.NotFound(queue.EntityJobInstance, "no active instance with idempotency key "+key)
}

func (r *JobInstanceRepository) GetSettledByIdempotencyKeySince(_ context.Context, tnnt tenant.Tenant, key string, since time.Time) (*queue.JobInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *queue.JobInstance
	for _, instance := range r.store.instances {
		if instance.Tenant != tnnt || instance.IdempotencyKey != key || !instance.IsTerminal() {
			continue
		}
		if instance.CompletedAt == nil || instance.CompletedAt.Before(since) {
			continue
		}
		if latest == nil || instance.CompletedAt.After(*latest.CompletedAt) {
			latest = instance
		}
	}
	if latest == nil {
		return nil, errors.NotFound(queue.EntityJobInstance, "no settled instance with idempotency key "+key)
	}
	return copyInstance(latest), nil
}

func (r *JobInstanceRepository) ListLeasable(_ context.Context, tnnt tenant.Tenant, family *job.Family, now time.Time, limit int) ([]*queue.JobInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var eligible []*queue.JobInstance
	for _, instance := range r.store.instances {
		if instance.Tenant != tnnt || !instance.Status.IsLeasable() {
			continue
		}
		if family != nil && instance.Family != *family {
			continue
		}
		if instance.Status == queue.StateRetrying &&
			(instance.NextRetryAt == nil || instance.NextRetryAt.After(now)) {
			continue
		}
		eligible = append(eligible, copyInstance(instance))
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].QueuedAt.Before(eligible[j].QueuedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (r *JobInstanceRepository) Claim(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, workerID string, now time.Time) (*queue.JobInstance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return nil, errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	if instance.Status != expected {
		return nil, errors.FailedPrecondition(queue.EntityLease,
			"instance "+id.String()+" is no longer "+expected.String())
	}

	instance.Status = queue.StateInProgress
	instance.WorkerID = workerID
	started := now
	instance.StartedAt = &started
	heartbeat := now
	instance.WorkerHeartbeat = &heartbeat
	return copyInstance(instance), nil
}

func (r *JobInstanceRepository) RefreshHeartbeat(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, workerID string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	if instance.Status != queue.StateInProgress || instance.WorkerID != workerID {
		return errors.FailedPrecondition(queue.EntityLease,
			"instance "+id.String()+" is not leased by worker "+workerID)
	}

	heartbeat := now
	instance.WorkerHeartbeat = &heartbeat
	return nil
}

func (r *JobInstanceRepository) ReclaimStale(_ context.Context, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	reclaimed := 0
	for _, instance := range r.store.instances {
		if instance.Status != queue.StateInProgress || instance.MaxRuntime <= 0 {
			continue
		}
		if instance.WorkerHeartbeat == nil || now.Sub(*instance.WorkerHeartbeat) <= 2*instance.MaxRuntime {
			continue
		}
		instance.Status = queue.StateQueued
		instance.WorkerID = ""
		instance.StartedAt = nil
		instance.WorkerHeartbeat = nil
		reclaimed++
	}
	return reclaimed, nil
}

func (r *JobInstanceRepository) FinishRun(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, to queue.State, output []byte, errMsg string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.finishLocked(tnnt, id, to, output, errMsg, now)
}

func (r *JobInstanceRepository) finishLocked(tnnt tenant.Tenant, id queue.JobInstanceID, to queue.State, output []byte, errMsg string, now time.Time) error {
	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	if instance.Status != queue.StateInProgress {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is not in progress")
	}

	instance.Status = to
	instance.Output = append([]byte(nil), output...)
	instance.ErrorMessage = errMsg
	completed := now
	instance.CompletedAt = &completed
	instance.WorkerID = ""
	instance.WorkerHeartbeat = nil
	return nil
}

func (r *JobInstanceRepository) ScheduleRetry(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, nextRetryAt, _ time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	if instance.Status != queue.StateInProgress {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is not in progress")
	}

	instance.Status = queue.StateRetrying
	instance.RetryCount++
	instance.ErrorMessage = errMsg
	retryAt := nextRetryAt
	instance.NextRetryAt = &retryAt
	instance.WorkerID = ""
	instance.StartedAt = nil
	instance.WorkerHeartbeat = nil
	return nil
}

func (r *JobInstanceRepository) FinishWithDeadLetter(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, entry *deadletter.Entry, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := r.finishLocked(tnnt, id, queue.StateFailed, nil, errMsg, now); err != nil {
		return err
	}
	r.store.entries[entry.ID] = copyEntry(entry)
	return nil
}

func (r *JobInstanceRepository) Cancel(_ context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[id.UUID()]
	if !ok || instance.Tenant != tnnt {
		return errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
	}
	if instance.Status != expected {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is no longer "+expected.String())
	}

	instance.Status = queue.StateCanceled
	completed := now
	instance.CompletedAt = &completed
	return nil
}

func (r *JobInstanceRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	deleted := 0
	for id, instance := range r.store.instances {
		if instance.IsTerminal() && instance.CompletedAt != nil && instance.CompletedAt.Before(cutoff) {
			delete(r.store.instances, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *JobInstanceRepository) CountActiveBySchedule(_ context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, instance := range r.store.instances {
		if instance.Tenant == tnnt && instance.ScheduleID != nil &&
			*instance.ScheduleID == scheduleID && !instance.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *JobInstanceRepository) CountByScheduleSince(_ context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, instance := range r.store.instances {
		if instance.Tenant == tnnt && instance.ScheduleID != nil &&
			*instance.ScheduleID == scheduleID && !instance.QueuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
