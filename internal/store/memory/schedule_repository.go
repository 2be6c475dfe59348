package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/schedule"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type ScheduleRepository struct {
	store *Store
}

func NewScheduleRepository(store *Store) *ScheduleRepository {
	return &ScheduleRepository{store: store}
}

func (r *ScheduleRepository) Create(_ context.Context, sch *schedule.Schedule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.schedules[sch.ID]; ok {
		return errors.AlreadyExists(schedule.EntitySchedule, "schedule "+sch.ID.String()+" already exists")
	}
	r.store.schedules[sch.ID] = copySchedule(sch)
	return nil
}

func (r *ScheduleRepository) GetByID(_ context.Context, tnnt tenant.Tenant, id uuid.UUID) (*schedule.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	sch, ok := r.store.schedules[id]
	if !ok || sch.Tenant != tnnt {
		return nil, errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
	}
	return copySchedule(sch), nil
}

func (r *ScheduleRepository) GetAll(_ context.Context, tnnt tenant.Tenant) ([]*schedule.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var schedules []*schedule.Schedule
	for _, sch := range r.store.schedules {
		if sch.Tenant == tnnt {
			schedules = append(schedules, copySchedule(sch))
		}
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].NextExecutionAt.Before(schedules[j].NextExecutionAt)
	})
	return schedules, nil
}

func (r *ScheduleRepository) GetDue(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var due []*schedule.Schedule
	for _, sch := range r.store.schedules {
		if sch.IsDue(now) {
			due = append(due, copySchedule(sch))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecutionAt.Before(due[j].NextExecutionAt)
	})
	return due, nil
}

func (r *ScheduleRepository) Update(_ context.Context, sch *schedule.Schedule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.schedules[sch.ID]; !ok {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+sch.ID.String())
	}
	r.store.schedules[sch.ID] = copySchedule(sch)
	return nil
}

func (r *ScheduleRepository) SetActive(_ context.Context, tnnt tenant.Tenant, id uuid.UUID, active bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	sch, ok := r.store.schedules[id]
	if !ok || sch.Tenant != tnnt {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
	}
	sch.IsActive = active
	return nil
}

func (r *ScheduleRepository) Delete(_ context.Context, tnnt tenant.Tenant, id uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	sch, ok := r.store.schedules[id]
	if !ok || sch.Tenant != tnnt {
		return errors.NotFound(schedule.EntitySchedule, "no schedule with id "+id.String())
	}
	delete(r.store.schedules, id)
	return nil
}
