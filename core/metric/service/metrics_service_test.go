package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/metric"
	"github.com/conveyorhq/conveyor/core/metric/service"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/store/memory"
)

func TestMetricsService(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNoop()
	tnnt, _ := tenant.NewTenant("acme")
	instanceID := queue.JobInstanceID(uuid.New())

	newSample := func(t *testing.T, name string, recordedAt time.Time) *metric.Sample {
		t.Helper()
		sample, err := metric.NewSample(tnnt, job.Name("charge-card"), instanceID,
			name, 1, metric.TypeCounter, nil, recordedAt)
		assert.Nil(t, err)
		return sample
	}

	t.Run("Record", func(t *testing.T) {
		t.Run("appends the sample to the durable sink", func(t *testing.T) {
			store := memory.NewStore()
			repo := memory.NewMetricRepository(store)
			metrics := service.NewMetricsService(logger, repo)

			assert.Nil(t, metrics.Record(ctx, newSample(t, "job_completions_total", time.Now())))
			assert.Nil(t, metrics.Record(ctx, newSample(t, "job_completions_total", time.Now())))

			samples := repo.Samples(ctx)
			assert.Len(t, samples, 2)
			assert.Equal(t, "job_completions_total", samples[0].Name)
		})
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		t.Run("drops only samples past retention", func(t *testing.T) {
			store := memory.NewStore()
			repo := memory.NewMetricRepository(store)
			metrics := service.NewMetricsService(logger, repo)

			now := time.Now()
			assert.Nil(t, metrics.Record(ctx, newSample(t, "old_sample", now.Add(-metric.RetentionPeriod-time.Hour))))
			assert.Nil(t, metrics.Record(ctx, newSample(t, "fresh_sample", now)))

			assert.Nil(t, metrics.PurgeExpired(ctx, now))

			samples := repo.Samples(ctx)
			assert.Len(t, samples, 1)
			assert.Equal(t, "fresh_sample", samples[0].Name)
		})
	})
}
