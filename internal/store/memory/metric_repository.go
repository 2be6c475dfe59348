package memory

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/core/metric"
)

type MetricRepository struct {
	store *Store
}

func NewMetricRepository(store *Store) *MetricRepository {
	return &MetricRepository{store: store}
}

func (r *MetricRepository) Save(_ context.Context, sample *metric.Sample) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *sample
	r.store.samples = append(r.store.samples, &copied)
	return nil
}

func (r *MetricRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	kept := r.store.samples[:0]
	deleted := 0
	for _, sample := range r.store.samples {
		if sample.RecordedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, sample)
	}
	r.store.samples = kept
	return deleted, nil
}

// Samples returns a snapshot of recorded samples in insertion order.
func (r *MetricRepository) Samples(_ context.Context) []*metric.Sample {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*metric.Sample, 0, len(r.store.samples))
	for _, sample := range r.store.samples {
		copied := *sample
		out = append(out, &copied)
	}
	return out
}
