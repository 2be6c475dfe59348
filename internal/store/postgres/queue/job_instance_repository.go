package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const uniqueViolationCode = "23505"

const instanceColumns = `id, tenant_name, job_name, family, status, priority, input, output, error_message,
retry_count, max_retries, retry_delay_ms, timeout_ms, max_runtime_ms, idempotency_key, schedule_id,
queued_at, started_at, completed_at, next_retry_at, worker_id, worker_heartbeat`

type JobInstanceRepository struct {
	pool *pgxpool.Pool
}

func NewJobInstanceRepository(pool *pgxpool.Pool) *JobInstanceRepository {
	return &JobInstanceRepository{pool: pool}
}

type jobInstance struct {
	ID         uuid.UUID
	TenantName string
	JobName    string
	Family     string
	Status     string
	Priority   int

	Input        []byte
	Output       []byte
	ErrorMessage string

	RetryCount   int
	MaxRetries   int
	RetryDelayMs int64
	TimeoutMs    int64
	MaxRuntimeMs int64

	IdempotencyKey *string
	ScheduleID     *uuid.UUID

	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	NextRetryAt     *time.Time
	WorkerID        string
	WorkerHeartbeat *time.Time
}

func (j jobInstance) toJobInstance() (*queue.JobInstance, error) {
	tnnt, err := tenant.NewTenant(j.TenantName)
	if err != nil {
		return nil, err
	}
	family, err := job.FamilyFromString(j.Family)
	if err != nil {
		return nil, err
	}
	status, err := queue.StateFromString(j.Status)
	if err != nil {
		return nil, err
	}

	idempotencyKey := ""
	if j.IdempotencyKey != nil {
		idempotencyKey = *j.IdempotencyKey
	}

	return &queue.JobInstance{
		ID:              queue.JobInstanceID(j.ID),
		Tenant:          tnnt,
		JobName:         job.Name(j.JobName),
		Family:          family,
		Status:          status,
		Priority:        j.Priority,
		Input:           j.Input,
		Output:          j.Output,
		ErrorMessage:    j.ErrorMessage,
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		RetryDelay:      time.Duration(j.RetryDelayMs) * time.Millisecond,
		Timeout:         time.Duration(j.TimeoutMs) * time.Millisecond,
		MaxRuntime:      time.Duration(j.MaxRuntimeMs) * time.Millisecond,
		IdempotencyKey:  idempotencyKey,
		ScheduleID:      j.ScheduleID,
		QueuedAt:        j.QueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		NextRetryAt:     j.NextRetryAt,
		WorkerID:        j.WorkerID,
		WorkerHeartbeat: j.WorkerHeartbeat,
	}, nil
}

func scanInstance(row pgx.Row) (*queue.JobInstance, error) {
	var ji jobInstance
	err := row.Scan(&ji.ID, &ji.TenantName, &ji.JobName, &ji.Family, &ji.Status, &ji.Priority,
		&ji.Input, &ji.Output, &ji.ErrorMessage, &ji.RetryCount, &ji.MaxRetries, &ji.RetryDelayMs,
		&ji.TimeoutMs, &ji.MaxRuntimeMs, &ji.IdempotencyKey, &ji.ScheduleID, &ji.QueuedAt,
		&ji.StartedAt, &ji.CompletedAt, &ji.NextRetryAt, &ji.WorkerID, &ji.WorkerHeartbeat)
	if err != nil {
		return nil, err
	}
	return ji.toJobInstance()
}

func (r *JobInstanceRepository) Create(ctx context.Context, instance *queue.JobInstance) error {
	var idempotencyKey *string
	if instance.IdempotencyKey != "" {
		idempotencyKey = &instance.IdempotencyKey
	}

	insertInstance := `INSERT INTO job_instance (id, tenant_name, job_name, family, status, priority, input,
retry_count, max_retries, retry_delay_ms, timeout_ms, max_runtime_ms, idempotency_key, schedule_id, queued_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, insertInstance,
		instance.ID.UUID(), instance.Tenant.Name(), instance.JobName, instance.Family, instance.Status,
		instance.Priority, instance.Input, instance.RetryCount, instance.MaxRetries,
		instance.RetryDelay.Milliseconds(), instance.Timeout.Milliseconds(), instance.MaxRuntime.Milliseconds(),
		idempotencyKey, instance.ScheduleID, instance.QueuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return errors.AlreadyExists(queue.EntityJobInstance,
				"active instance with idempotency key "+instance.IdempotencyKey+" already exists")
		}
		return errors.Wrap(queue.EntityJobInstance, "unable to create instance", err)
	}
	return nil
}

func (r *JobInstanceRepository) GetByID(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error) {
	getByID := `SELECT ` + instanceColumns + ` FROM job_instance WHERE id = $1 AND tenant_name = $2`
	instance, err := scanInstance(r.pool.QueryRow(ctx, getByID, id.UUID(), tnnt.Name()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(queue.EntityJobInstance, "no instance with id "+id.String())
		}
		return nil, errors.Wrap(queue.EntityJobInstance, "error while getting instance", err)
	}
	return instance, nil
}

func (r *JobInstanceRepository) GetActiveByIdempotencyKey(ctx context.Context, tnnt tenant.Tenant, key string) (*queue.JobInstance, error) {
	getByKey := `SELECT ` + instanceColumns + ` FROM job_instance
WHERE tenant_name = $1 AND idempotency_key = $2 AND status NOT IN ('succeeded', 'failed', 'canceled')
LIMIT 1`
	instance, err := scanInstance(r.pool.QueryRow(ctx, getByKey, tnnt.Name(), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(queue.EntityJobInstance, "no active instance with idempotency key "+key)
		}
		return nil, errors.Wrap(queue.EntityJobInstance, "error while getting instance by idempotency key", err)
	}
	return instance, nil
}

func (r *JobInstanceRepository) GetSettledByIdempotencyKeySince(ctx context.Context, tnnt tenant.Tenant, key string, since time.Time) (*queue.JobInstance, error) {
	getSettled := `SELECT ` + instanceColumns + ` FROM job_instance
WHERE tenant_name = $1 AND idempotency_key = $2
  AND status IN ('succeeded', 'failed', 'canceled') AND completed_at >= $3
ORDER BY completed_at DESC
LIMIT 1`
	instance, err := scanInstance(r.pool.QueryRow(ctx, getSettled, tnnt.Name(), key, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(queue.EntityJobInstance, "no settled instance with idempotency key "+key)
		}
		return nil, errors.Wrap(queue.EntityJobInstance, "error while getting settled instance by idempotency key", err)
	}
	return instance, nil
}

func (r *JobInstanceRepository) ListLeasable(ctx context.Context, tnnt tenant.Tenant, family *job.Family, now time.Time, limit int) ([]*queue.JobInstance, error) {
	listLeasable := `SELECT ` + instanceColumns + ` FROM job_instance
WHERE tenant_name = $1
  AND (status = 'queued' OR (status = 'retrying' AND next_retry_at <= $2))
  AND ($3::text IS NULL OR family = $3)
ORDER BY priority DESC, queued_at ASC
LIMIT $4`

	var familyFilter *string
	if family != nil {
		f := family.String()
		familyFilter = &f
	}

	rows, err := r.pool.Query(ctx, listLeasable, tnnt.Name(), now, familyFilter, limit)
	if err != nil {
		return nil, errors.Wrap(queue.EntityJobInstance, "error while listing leasable instances", err)
	}
	defer rows.Close()

	var instances []*queue.JobInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(queue.EntityJobInstance, "error while scanning leasable instance", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// Claim is the atomic conditional update many pollers race on, exactly one
// wins per instance. The status predicate makes a lost race a zero row
// update, not a double lease.
func (r *JobInstanceRepository) Claim(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, workerID string, now time.Time) (*queue.JobInstance, error) {
	claim := `UPDATE job_instance
SET status = 'in_progress', worker_id = $1, started_at = $2, worker_heartbeat = $2, updated_at = NOW()
WHERE id = $3 AND tenant_name = $4 AND status = $5`

	tag, err := r.pool.Exec(ctx, claim, workerID, now, id.UUID(), tnnt.Name(), expected)
	if err != nil {
		return nil, errors.Wrap(queue.EntityLease, "unable to claim instance", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.FailedPrecondition(queue.EntityLease,
			"instance "+id.String()+" is no longer "+expected.String())
	}
	return r.GetByID(ctx, tnnt, id)
}

func (r *JobInstanceRepository) RefreshHeartbeat(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, workerID string, now time.Time) error {
	refresh := `UPDATE job_instance SET worker_heartbeat = $1, updated_at = NOW()
WHERE id = $2 AND tenant_name = $3 AND status = 'in_progress' AND worker_id = $4`

	tag, err := r.pool.Exec(ctx, refresh, now, id.UUID(), tnnt.Name(), workerID)
	if err != nil {
		return errors.Wrap(queue.EntityLease, "unable to refresh heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition(queue.EntityLease,
			"instance "+id.String()+" is not leased by worker "+workerID)
	}
	return nil
}

func (r *JobInstanceRepository) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	reclaim := `UPDATE job_instance
SET status = 'queued', worker_id = '', started_at = NULL, worker_heartbeat = NULL, updated_at = NOW()
WHERE status = 'in_progress'
  AND max_runtime_ms > 0
  AND worker_heartbeat < $1 - (max_runtime_ms * 2) * INTERVAL '1 millisecond'`

	tag, err := r.pool.Exec(ctx, reclaim, now)
	if err != nil {
		return 0, errors.Wrap(queue.EntityLease, "unable to reclaim stale instances", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobInstanceRepository) FinishRun(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, to queue.State, output []byte, errMsg string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, finishRunQuery, to, output, errMsg, now, id.UUID(), tnnt.Name())
	if err != nil {
		return errors.Wrap(queue.EntityJobInstance, "unable to finish instance", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is not in progress")
	}
	return nil
}

const finishRunQuery = `UPDATE job_instance
SET status = $1, output = $2, error_message = $3, completed_at = $4,
    worker_id = '', worker_heartbeat = NULL, updated_at = NOW()
WHERE id = $5 AND tenant_name = $6 AND status = 'in_progress'`

func (r *JobInstanceRepository) ScheduleRetry(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, nextRetryAt, _ time.Time) error {
	scheduleRetry := `UPDATE job_instance
SET status = 'retrying', retry_count = retry_count + 1, error_message = $1, next_retry_at = $2,
    worker_id = '', started_at = NULL, worker_heartbeat = NULL, updated_at = NOW()
WHERE id = $3 AND tenant_name = $4 AND status = 'in_progress'`

	tag, err := r.pool.Exec(ctx, scheduleRetry, errMsg, nextRetryAt, id.UUID(), tnnt.Name())
	if err != nil {
		return errors.Wrap(queue.EntityJobInstance, "unable to schedule retry", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is not in progress")
	}
	return nil
}

// FinishWithDeadLetter records the terminal failure and its dead letter entry
// in one transaction, the pairing invariant survives a crash between the two
// writes.
func (r *JobInstanceRepository) FinishWithDeadLetter(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, errMsg string, entry *deadletter.Entry, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(queue.EntityJobInstance, "unable to begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, finishRunQuery, queue.StateFailed, []byte(nil), errMsg, now, id.UUID(), tnnt.Name())
	if err != nil {
		return errors.Wrap(queue.EntityJobInstance, "unable to fail instance", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is not in progress")
	}

	insertEntry := `INSERT INTO dead_letter (id, tenant_name, job_instance_id, job_name, input, retry_count,
failure_reason, remediation_status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, insertEntry, entry.ID, entry.Tenant.Name(), entry.JobInstanceID.UUID(),
		entry.JobName, entry.Input, entry.RetryCount, entry.FailureReason, entry.RemediationStatus,
		entry.CreatedAt, entry.ExpiresAt); err != nil {
		return errors.Wrap(deadletter.EntityDeadLetter, "unable to create dead letter entry", err)
	}

	return errors.WrapIfErr(queue.EntityJobInstance, "unable to commit dead letter transaction", tx.Commit(ctx))
}

func (r *JobInstanceRepository) Cancel(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, now time.Time) error {
	cancel := `UPDATE job_instance SET status = 'canceled', completed_at = $1, updated_at = NOW()
WHERE id = $2 AND tenant_name = $3 AND status = $4`

	tag, err := r.pool.Exec(ctx, cancel, now, id.UUID(), tnnt.Name(), expected)
	if err != nil {
		return errors.Wrap(queue.EntityJobInstance, "unable to cancel instance", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition(queue.EntityJobInstance,
			"instance "+id.String()+" is no longer "+expected.String())
	}
	return nil
}

func (r *JobInstanceRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleteTerminal := `DELETE FROM job_instance
WHERE status IN ('succeeded', 'failed', 'canceled') AND completed_at < $1`

	tag, err := r.pool.Exec(ctx, deleteTerminal, cutoff)
	if err != nil {
		return 0, errors.Wrap(queue.EntityJobInstance, "unable to purge terminal instances", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobInstanceRepository) CountActiveBySchedule(ctx context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID) (int, error) {
	countActive := `SELECT COUNT(1) FROM job_instance
WHERE tenant_name = $1 AND schedule_id = $2 AND status NOT IN ('succeeded', 'failed', 'canceled')`

	var count int
	err := r.pool.QueryRow(ctx, countActive, tnnt.Name(), scheduleID).Scan(&count)
	return count, errors.WrapIfErr(queue.EntityJobInstance, "unable to count active instances", err)
}

func (r *JobInstanceRepository) CountByScheduleSince(ctx context.Context, tnnt tenant.Tenant, scheduleID uuid.UUID, since time.Time) (int, error) {
	countSince := `SELECT COUNT(1) FROM job_instance
WHERE tenant_name = $1 AND schedule_id = $2 AND queued_at >= $3`

	var count int
	err := r.pool.QueryRow(ctx, countSince, tnnt.Name(), scheduleID, since).Scan(&count)
	return count, errors.WrapIfErr(queue.EntityJobInstance, "unable to count instances for schedule", err)
}
