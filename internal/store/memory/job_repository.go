package memory

import (
	"context"
	"strings"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

type JobRepository struct {
	store *Store
}

func NewJobRepository(store *Store) *JobRepository {
	return &JobRepository{store: store}
}

func (r *JobRepository) GetByName(_ context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	definition, ok := r.store.definitions[definitionKey(tnnt, name)]
	if !ok {
		return nil, errors.NotFound(job.EntityJob, "no definition for job "+name.String())
	}
	copied := *definition
	return &copied, nil
}

func (r *JobRepository) GetAll(_ context.Context, tnnt tenant.Tenant) ([]*job.Definition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	prefix := tnnt.Name().String() + "/"
	var definitions []*job.Definition
	for key, definition := range r.store.definitions {
		if strings.HasPrefix(key, prefix) {
			copied := *definition
			definitions = append(definitions, &copied)
		}
	}
	return definitions, nil
}

func (r *JobRepository) Upsert(_ context.Context, definition *job.Definition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *definition
	r.store.definitions[definitionKey(definition.Tenant, definition.Name)] = &copied
	return nil
}
