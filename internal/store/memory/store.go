package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/metric"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/schedule"
	"github.com/conveyorhq/conveyor/core/tenant"
)

// Store is an in process backing store holding every entity behind one lock.
// The repositories on top of it keep the same conditional update discipline
// as the postgres ones, so services behave identically against either.
type Store struct {
	mu sync.RWMutex

	definitions map[string]*job.Definition
	instances   map[uuid.UUID]*queue.JobInstance
	entries     map[uuid.UUID]*deadletter.Entry
	schedules   map[uuid.UUID]*schedule.Schedule
	samples     []*metric.Sample
}

func NewStore() *Store {
	return &Store{
		definitions: map[string]*job.Definition{},
		instances:   map[uuid.UUID]*queue.JobInstance{},
		entries:     map[uuid.UUID]*deadletter.Entry{},
		schedules:   map[uuid.UUID]*schedule.Schedule{},
	}
}

func definitionKey(tnnt tenant.Tenant, name job.Name) string {
	return tnnt.Name().String() + "/" + name.String()
}

func copyInstance(in *queue.JobInstance) *queue.JobInstance {
	out := *in
	out.Input = append([]byte(nil), in.Input...)
	out.Output = append([]byte(nil), in.Output...)
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	if in.NextRetryAt != nil {
		t := *in.NextRetryAt
		out.NextRetryAt = &t
	}
	if in.WorkerHeartbeat != nil {
		t := *in.WorkerHeartbeat
		out.WorkerHeartbeat = &t
	}
	if in.ScheduleID != nil {
		id := *in.ScheduleID
		out.ScheduleID = &id
	}
	return &out
}

func copyEntry(in *deadletter.Entry) *deadletter.Entry {
	out := *in
	out.Input = append([]byte(nil), in.Input...)
	return &out
}

func copySchedule(in *schedule.Schedule) *schedule.Schedule {
	out := *in
	return &out
}
