package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const entryColumns = `id, tenant_name, job_instance_id, job_name, input, retry_count, failure_reason, remediation_status, created_at, expires_at`

type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

type deadLetterEntry struct {
	ID                uuid.UUID
	TenantName        string
	JobInstanceID     uuid.UUID
	JobName           string
	Input             []byte
	RetryCount        int
	FailureReason     string
	RemediationStatus string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

func (d deadLetterEntry) toEntry() (*deadletter.Entry, error) {
	tnnt, err := tenant.NewTenant(d.TenantName)
	if err != nil {
		return nil, err
	}
	status, err := deadletter.RemediationStatusFromString(d.RemediationStatus)
	if err != nil {
		return nil, err
	}

	return &deadletter.Entry{
		ID:                d.ID,
		Tenant:            tnnt,
		JobInstanceID:     queue.JobInstanceID(d.JobInstanceID),
		JobName:           job.Name(d.JobName),
		Input:             d.Input,
		RetryCount:        d.RetryCount,
		FailureReason:     d.FailureReason,
		RemediationStatus: status,
		CreatedAt:         d.CreatedAt,
		ExpiresAt:         d.ExpiresAt,
	}, nil
}

func (r *DeadLetterRepository) GetByID(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*deadletter.Entry, error) {
	var de deadLetterEntry
	getByID := `SELECT ` + entryColumns + ` FROM dead_letter WHERE id = $1 AND tenant_name = $2`
	err := r.pool.QueryRow(ctx, getByID, id, tnnt.Name()).
		Scan(&de.ID, &de.TenantName, &de.JobInstanceID, &de.JobName, &de.Input, &de.RetryCount,
			&de.FailureReason, &de.RemediationStatus, &de.CreatedAt, &de.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(deadletter.EntityDeadLetter, "no entry with id "+id.String())
		}
		return nil, errors.Wrap(deadletter.EntityDeadLetter, "error while getting entry", err)
	}
	return de.toEntry()
}

func (r *DeadLetterRepository) List(ctx context.Context, tnnt tenant.Tenant, status *deadletter.RemediationStatus) ([]*deadletter.Entry, error) {
	list := `SELECT ` + entryColumns + ` FROM dead_letter
WHERE tenant_name = $1 AND ($2::text IS NULL OR remediation_status = $2)
ORDER BY created_at`

	var statusFilter *string
	if status != nil {
		s := status.String()
		statusFilter = &s
	}

	rows, err := r.pool.Query(ctx, list, tnnt.Name(), statusFilter)
	if err != nil {
		return nil, errors.Wrap(deadletter.EntityDeadLetter, "error while listing entries", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		var de deadLetterEntry
		if err := rows.Scan(&de.ID, &de.TenantName, &de.JobInstanceID, &de.JobName, &de.Input,
			&de.RetryCount, &de.FailureReason, &de.RemediationStatus, &de.CreatedAt, &de.ExpiresAt); err != nil {
			return nil, errors.Wrap(deadletter.EntityDeadLetter, "error while scanning entry", err)
		}
		entry, err := de.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *DeadLetterRepository) UpdateRemediation(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID, status deadletter.RemediationStatus) error {
	update := `UPDATE dead_letter SET remediation_status = $1 WHERE id = $2 AND tenant_name = $3`
	tag, err := r.pool.Exec(ctx, update, status, id, tnnt.Name())
	if err != nil {
		return errors.Wrap(deadletter.EntityDeadLetter, "unable to update remediation status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(deadletter.EntityDeadLetter, "no entry with id "+id.String())
	}
	return nil
}

func (r *DeadLetterRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleteExpired := `DELETE FROM dead_letter WHERE expires_at < $1`
	tag, err := r.pool.Exec(ctx, deleteExpired, now)
	if err != nil {
		return 0, errors.Wrap(deadletter.EntityDeadLetter, "unable to purge expired entries", err)
	}
	return int(tag.RowsAffected()), nil
}
