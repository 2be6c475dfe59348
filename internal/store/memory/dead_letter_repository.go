package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type DeadLetterRepository struct {
	store *Store
}

func NewDeadLetterRepository(store *Store) *DeadLetterRepository {
	return &DeadLetterRepository{store: store}
}

func (r *DeadLetterRepository) GetByID(_ context.Context, tnnt tenant.Tenant, id uuid.UUID) (*deadletter.Entry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entry, ok := r.store.entries[id]
	if !ok || entry.Tenant != tnnt {
		return nil, errors.NotFound(deadletter.EntityDeadLetter, "no entry with id "+id.String())
	}
	return copyEntry(entry), nil
}

func (r *DeadLetterRepository) List(_ context.Context, tnnt tenant.Tenant, status *deadletter.RemediationStatus) ([]*deadletter.Entry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var entries []*deadletter.Entry
	for _, entry := range r.store.entries {
		if entry.Tenant != tnnt {
			continue
		}
		if status != nil && entry.RemediationStatus != *status {
			continue
		}
		entries = append(entries, copyEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (r *DeadLetterRepository) UpdateRemediation(_ context.Context, tnnt tenant.Tenant, id uuid.UUID, status deadletter.RemediationStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entry, ok := r.store.entries[id]
	if !ok || entry.Tenant != tnnt {
		return errors.NotFound(deadletter.EntityDeadLetter, "no entry with id "+id.String())
	}
	entry.RemediationStatus = status
	return nil
}

func (r *DeadLetterRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	deleted := 0
	for id, entry := range r.store.entries {
		if entry.ExpiresAt.Before(now) {
			delete(r.store.entries, id)
			deleted++
		}
	}
	return deleted, nil
}
