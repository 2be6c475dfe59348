package metric

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const (
	EntityMetric = "metric"

	// RetentionPeriod bounds how long samples are kept before purge.
	RetentionPeriod = 7 * 24 * time.Hour
)

const (
	TypeCounter Type = "counter"
	TypeGauge   Type = "gauge"
	TypeTimer   Type = "timer"
)

type Type string

func TypeFromString(metricType string) (Type, error) {
	switch strings.ToLower(metricType) {
	case string(TypeCounter):
		return TypeCounter, nil
	case string(TypeGauge):
		return TypeGauge, nil
	case string(TypeTimer):
		return TypeTimer, nil
	default:
		return "", errors.InvalidArgument(EntityMetric, "invalid metric type "+metricType)
	}
}

func (t Type) String() string {
	return string(t)
}

// Sample is one append-only observation about a job instance. Samples are
// never updated, external SLA computation consumes them in time order.
type Sample struct {
	ID     uuid.UUID
	Tenant tenant.Tenant

	JobName       job.Name
	JobInstanceID queue.JobInstanceID

	Name   string
	Value  float64
	Type   Type
	Labels map[string]string

	RecordedAt time.Time
}

func NewSample(tnnt tenant.Tenant, jobName job.Name, instanceID queue.JobInstanceID,
	name string, value float64, metricType Type, labels map[string]string, recordedAt time.Time,
) (*Sample, error) {
	if name == "" {
		return nil, errors.InvalidArgument(EntityMetric, "metric name is empty")
	}

	return &Sample{
		ID:            uuid.New(),
		Tenant:        tnnt,
		JobName:       jobName,
		JobInstanceID: instanceID,
		Name:          name,
		Value:         value,
		Type:          metricType,
		Labels:        labels,
		RecordedAt:    recordedAt,
	}, nil
}
