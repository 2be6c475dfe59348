package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/schedule"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const scheduleColumns = `id, tenant_name, job_name, expression, timezone, next_execution_at,
max_concurrent_executions, max_executions_per_day, execution_count, is_active`

type ScheduleRepository struct {
	pool *pgxpool.Pool
}

func NewScheduleRepository(pool *pgxpool.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

type scheduleRow struct {
	ID         uuid.UUID
	TenantName string
	JobName    string
	Expression string
	Timezone   string

	NextExecutionAt         time.Time
	MaxConcurrentExecutions int
	MaxExecutionsPerDay     int
	ExecutionCount          int
	IsActive                bool
}

func (s scheduleRow) toSchedule() (*schedule.Schedule, error) {
	tnnt, err := tenant.NewTenant(s.TenantName)
	if err != nil {
		return nil, err
	}

	return &schedule.Schedule{
		ID:                      s.ID,
		Tenant:                  tnnt,
		JobName:                 job.Name(s.JobName),
		Expression:              s.Expression,
		Timezone:                s.Timezone,
		NextExecutionAt:         s.NextExecutionAt,
		MaxConcurrentExecutions: s.MaxConcurrentExecutions,
		MaxExecutionsPerDay:     s.MaxExecutionsPerDay,
		ExecutionCount:          s.ExecutionCount,
		IsActive:                s.IsActive,
	}, nil
}

func scanSchedule(row pgx.Row) (*schedule.Schedule, error) {
	var sr scheduleRow
	err := row.Scan(&sr.ID, &sr.TenantName, &sr.JobName, &sr.Expression, &sr.Timezone,
		&sr.NextExecutionAt, &sr.MaxConcurrentExecutions, &sr.MaxExecutionsPerDay,
		&sr.ExecutionCount, &sr.IsActive)
	if err != nil {
		return nil, err
	}
	return sr.toSchedule()
}

func (r *ScheduleRepository) Create(ctx context.Context, sch *schedule.Schedule) error {
	insert := `INSERT INTO schedule (` + scheduleColumns + `, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, insert, sch.ID, sch.Tenant.Name(), sch.JobName, sch.Expression,
		sch.Timezone, sch.NextExecutionAt, sch.MaxConcurrentExecutions, sch.MaxExecutionsPerDay,
		sch.ExecutionCount, sch.IsActive)
	return errors.WrapIfErr(schedule.EntitySchedule, "unable to create schedule", err)
}

func (r *ScheduleRepository) GetByID(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) (*schedule.Schedule, error) {
	getByID := `SELECT ` + scheduleColumns + ` FROM schedule WHERE id = $1 AND tenant_name = $2`
	sch, err := scanSchedule(r.pool.QueryRow(ctx, getByID, id, tnnt.Name()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
		}
		return nil, errors.Wrap(schedule.EntitySchedule, "error while getting schedule", err)
	}
	return sch, nil
}

func (r *ScheduleRepository) GetAll(ctx context.Context, tnnt tenant.Tenant) ([]*schedule.Schedule, error) {
	getAll := `SELECT ` + scheduleColumns + ` FROM schedule WHERE tenant_name = $1 ORDER BY next_execution_at`
	return r.list(ctx, getAll, tnnt.Name())
}

func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	getDue := `SELECT ` + scheduleColumns + ` FROM schedule
WHERE is_active AND next_execution_at <= $1 ORDER BY next_execution_at`
	return r.list(ctx, getDue, now)
}

func (r *ScheduleRepository) list(ctx context.Context, query string, args ...any) ([]*schedule.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(schedule.EntitySchedule, "error while listing schedules", err)
	}
	defer rows.Close()

	var schedules []*schedule.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(schedule.EntitySchedule, "error while scanning schedule", err)
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (r *ScheduleRepository) Update(ctx context.Context, sch *schedule.Schedule) error {
	update := `UPDATE schedule SET expression = $1, timezone = $2, next_execution_at = $3,
max_concurrent_executions = $4, max_executions_per_day = $5, execution_count = $6, is_active = $7, updated_at = NOW()
WHERE id = $8 AND tenant_name = $9`

	tag, err := r.pool.Exec(ctx, update, sch.Expression, sch.Timezone, sch.NextExecutionAt,
		sch.MaxConcurrentExecutions, sch.MaxExecutionsPerDay, sch.ExecutionCount, sch.IsActive,
		sch.ID, sch.Tenant.Name())
	if err != nil {
		return errors.Wrap(schedule.EntitySchedule, "unable to update schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+sch.ID.String())
	}
	return nil
}

func (r *ScheduleRepository) SetActive(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID, active bool) error {
	setActive := `UPDATE schedule SET is_active = $1, updated_at = NOW() WHERE id = $2 AND tenant_name = $3`
	tag, err := r.pool.Exec(ctx, setActive, active, id, tnnt.Name())
	if err != nil {
		return errors.Wrap(schedule.EntitySchedule, "unable to update schedule state", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
	}
	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	deleteSchedule := `DELETE FROM schedule WHERE id = $1 AND tenant_name = $2`
	tag, err := r.pool.Exec(ctx, deleteSchedule, id, tnnt.Name())
	if err != nil {
		return errors.Wrap(schedule.EntitySchedule, "unable to delete schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
	}
	return nil
}
