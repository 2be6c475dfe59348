package metric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/core/metric"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type MetricRepository struct {
	pool *pgxpool.Pool
}

func NewMetricRepository(pool *pgxpool.Pool) *MetricRepository {
	return &MetricRepository{pool: pool}
}

func (r *MetricRepository) Save(ctx context.Context, sample *metric.Sample) error {
	var labels []byte
	if len(sample.Labels) > 0 {
		encoded, err := json.Marshal(sample.Labels)
		if err != nil {
			return errors.Wrap(metric.EntityMetric, "unable to encode labels", err)
		}
		labels = encoded
	}

	insert := `INSERT INTO metric_sample (id, tenant_name, job_name, job_instance_id, name, value, type, labels, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, insert, sample.ID, sample.Tenant.Name(), sample.JobName,
		sample.JobInstanceID.UUID(), sample.Name, sample.Value, sample.Type, labels, sample.RecordedAt)
	return errors.WrapIfErr(metric.EntityMetric, "unable to save sample", err)
}

func (r *MetricRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	deleteOld := `DELETE FROM metric_sample WHERE recorded_at < $1`
	tag, err := r.pool.Exec(ctx, deleteOld, cutoff)
	if err != nil {
		return 0, errors.Wrap(metric.EntityMetric, "unable to purge samples", err)
	}
	return int(tag.RowsAffected()), nil
}
