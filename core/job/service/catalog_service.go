package service

import (
	"context"
	"time"

	"github.com/odpf/salt/log"
	"github.com/patrickmn/go-cache"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/tenant"
)

const (
	cacheTTL     = time.Minute
	cacheCleanup = 5 * time.Minute
)

type DefinitionRepository interface {
	GetByName(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error)
	GetAll(ctx context.Context, tnnt tenant.Tenant) ([]*job.Definition, error)
	Upsert(ctx context.Context, definition *job.Definition) error
}

// CatalogService serves job definitions. The catalog is read on every enqueue
// and written only by operators, so reads go through a short lived cache.
type CatalogService struct {
	l     log.Logger
	repo  DefinitionRepository
	cache *cache.Cache
}

func NewCatalogService(l log.Logger, repo DefinitionRepository) *CatalogService {
	return &CatalogService{
		l:     l,
		repo:  repo,
		cache: cache.New(cacheTTL, cacheCleanup),
	}
}

func (s *CatalogService) Get(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error) {
	key := cacheKey(tnnt, name)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*job.Definition), nil
	}

	definition, err := s.repo.GetByName(ctx, tnnt, name)
	if err != nil {
		return nil, err
	}

	s.cache.SetDefault(key, definition)
	return definition, nil
}

func (s *CatalogService) GetAll(ctx context.Context, tnnt tenant.Tenant) ([]*job.Definition, error) {
	return s.repo.GetAll(ctx, tnnt)
}

func (s *CatalogService) Upsert(ctx context.Context, definition *job.Definition) error {
	if err := s.repo.Upsert(ctx, definition); err != nil {
		return err
	}

	s.cache.Delete(cacheKey(definition.Tenant, definition.Name))
	s.l.Info("upserted job definition", "tenant", definition.Tenant.Name().String(), "job", definition.Name.String())
	return nil
}

func cacheKey(tnnt tenant.Tenant, name job.Name) string {
	return tnnt.Name().String() + "/" + name.String()
}
