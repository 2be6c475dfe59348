package job

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const definitionColumns = `tenant_name, name, family, max_runtime_ms, timeout_ms, max_retries, retry_delay_ms, owner, sla_target_ms, dedup_window_ms`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

type jobDefinition struct {
	TenantName string
	Name       string
	Family     string

	MaxRuntimeMs int64
	TimeoutMs    int64
	MaxRetries   int
	RetryDelayMs int64

	Owner         string
	SLATargetMs   int64
	DedupWindowMs int64
}

func (j jobDefinition) toDefinition() (*job.Definition, error) {
	tnnt, err := tenant.NewTenant(j.TenantName)
	if err != nil {
		return nil, err
	}
	return job.NewDefinition(tnnt, j.Name, j.Family, j.Owner,
		time.Duration(j.MaxRuntimeMs)*time.Millisecond,
		time.Duration(j.TimeoutMs)*time.Millisecond,
		job.RetryPolicy{
			MaxRetries: j.MaxRetries,
			RetryDelay: time.Duration(j.RetryDelayMs) * time.Millisecond,
		},
		time.Duration(j.SLATargetMs)*time.Millisecond,
		time.Duration(j.DedupWindowMs)*time.Millisecond,
	)
}

func (r *JobRepository) GetByName(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error) {
	var jd jobDefinition
	getByName := `SELECT ` + definitionColumns + ` FROM job_definition WHERE tenant_name = $1 AND name = $2`
	err := r.pool.QueryRow(ctx, getByName, tnnt.Name(), name).
		Scan(&jd.TenantName, &jd.Name, &jd.Family, &jd.MaxRuntimeMs, &jd.TimeoutMs,
			&jd.MaxRetries, &jd.RetryDelayMs, &jd.Owner, &jd.SLATargetMs, &jd.DedupWindowMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(job.EntityJob, "no definition for job "+name.String())
		}
		return nil, errors.Wrap(job.EntityJob, "error while getting definition", err)
	}
	return jd.toDefinition()
}

func (r *JobRepository) GetAll(ctx context.Context, tnnt tenant.Tenant) ([]*job.Definition, error) {
	getAll := `SELECT ` + definitionColumns + ` FROM job_definition WHERE tenant_name = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, getAll, tnnt.Name())
	if err != nil {
		return nil, errors.Wrap(job.EntityJob, "error while getting definitions", err)
	}
	defer rows.Close()

	var definitions []*job.Definition
	for rows.Next() {
		var jd jobDefinition
		if err := rows.Scan(&jd.TenantName, &jd.Name, &jd.Family, &jd.MaxRuntimeMs, &jd.TimeoutMs,
			&jd.MaxRetries, &jd.RetryDelayMs, &jd.Owner, &jd.SLATargetMs, &jd.DedupWindowMs); err != nil {
			return nil, errors.Wrap(job.EntityJob, "error while scanning definition", err)
		}
		definition, err := jd.toDefinition()
		if err != nil {
			return nil, err
		}
		definitions = append(definitions, definition)
	}
	return definitions, rows.Err()
}

func (r *JobRepository) Upsert(ctx context.Context, definition *job.Definition) error {
	upsert := `INSERT INTO job_definition (` + definitionColumns + `, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
ON CONFLICT (tenant_name, name) DO UPDATE SET
	family = EXCLUDED.family, max_runtime_ms = EXCLUDED.max_runtime_ms, timeout_ms = EXCLUDED.timeout_ms,
	max_retries = EXCLUDED.max_retries, retry_delay_ms = EXCLUDED.retry_delay_ms, owner = EXCLUDED.owner,
	sla_target_ms = EXCLUDED.sla_target_ms, dedup_window_ms = EXCLUDED.dedup_window_ms, updated_at = NOW()`

	_, err := r.pool.Exec(ctx, upsert,
		definition.Tenant.Name(), definition.Name, definition.Family,
		definition.MaxRuntime.Milliseconds(), definition.Timeout.Milliseconds(),
		definition.Retry.MaxRetries, definition.Retry.RetryDelay.Milliseconds(),
		definition.Owner, definition.SLATarget.Milliseconds(), definition.DedupWindow.Milliseconds())
	return errors.WrapIfErr(job.EntityJob, "unable to upsert definition", err)
}
