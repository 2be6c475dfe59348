package service

import (
	"context"
	"time"

	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/metric"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

type SampleRepository interface {
	Save(ctx context.Context, sample *metric.Sample) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MetricsService appends samples to the durable sink and mirrors them to
// prometheus so external alerting sees both streams.
type MetricsService struct {
	l    log.Logger
	repo SampleRepository
}

func NewMetricsService(l log.Logger, repo SampleRepository) *MetricsService {
	return &MetricsService{
		l:    l,
		repo: repo,
	}
}

func (s *MetricsService) Record(ctx context.Context, sample *metric.Sample) error {
	if err := s.repo.Save(ctx, sample); err != nil {
		return err
	}

	labels := map[string]string{
		"tenant": sample.Tenant.Name().String(),
		"job":    sample.JobName.String(),
	}
	switch sample.Type {
	case metric.TypeTimer:
		telemetry.NewHistogram(sample.Name, labels).Observe(sample.Value)
	case metric.TypeGauge:
		telemetry.NewGauge(sample.Name, labels).Set(sample.Value)
	default:
		telemetry.NewCounter(sample.Name, labels).Add(sample.Value)
	}
	return nil
}

// PurgeExpired drops samples past the retention window.
func (s *MetricsService) PurgeExpired(ctx context.Context, now time.Time) error {
	deleted, err := s.repo.DeleteOlderThan(ctx, now.Add(-metric.RetentionPeriod))
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.l.Info("purged expired metric samples", "count", deleted)
	}
	return nil
}
