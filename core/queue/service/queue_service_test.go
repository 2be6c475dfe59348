package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/queue/service"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

func TestQueueService(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNoop()
	tnnt, _ := tenant.NewTenant("acme")

	definition, defErr := job.NewDefinition(tnnt, "send-welcome-email", "short_lived", "growth-team",
		time.Minute, 30*time.Second, job.RetryPolicy{MaxRetries: 3, RetryDelay: time.Second}, 0, 0)
	assert.Nil(t, defErr)

	t.Run("Enqueue", func(t *testing.T) {
		t.Run("returns error for empty job name", func(t *testing.T) {
			queueService := service.NewQueueService(logger, new(definitionGetter), new(jobInstanceRepository))
			_, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{})
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "job name is empty")
		})
		t.Run("returns not found for a job missing from the catalog", func(t *testing.T) {
			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, job.Name("mystery-job")).
				Return(nil, errors.NotFound(job.EntityJob, "no job found"))
			defer catalog.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, new(jobInstanceRepository))
			_, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "mystery-job"})
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrNotFound))
			assert.ErrorContains(t, err, "unknown job mystery-job")
		})
		t.Run("creates a queued instance from the definition", func(t *testing.T) {
			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, definition.Name).Return(definition, nil)
			defer catalog.AssertExpectations(t)

			repo := new(jobInstanceRepository)
			repo.On("Create", ctx, mock.Anything).Run(func(args mock.Arguments) {
				instance := args.Get(1).(*queue.JobInstance)
				assert.Equal(t, queue.StateQueued, instance.Status)
				assert.Equal(t, definition.Name, instance.JobName)
				assert.Equal(t, 3, instance.MaxRetries)
			}).Return(nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, repo)
			id, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", Priority: 10})
			assert.Nil(t, err)
			assert.False(t, id.IsEmpty())
		})
		t.Run("returns the existing instance for a known idempotency key", func(t *testing.T) {
			existing := &queue.JobInstance{ID: queue.JobInstanceID(mustUUID(t, "4b7bb6f1-a35b-44f0-9ee7-0923f25c50c1"))}

			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, definition.Name).Return(definition, nil)
			defer catalog.AssertExpectations(t)

			repo := new(jobInstanceRepository)
			repo.On("GetActiveByIdempotencyKey", ctx, tnnt, "order-91").Return(existing, nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, repo)
			id, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", IdempotencyKey: "order-91"})
			assert.Nil(t, err)
			assert.Equal(t, existing.ID, id)
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
		t.Run("resolves a create race on the idempotency key to the winner", func(t *testing.T) {
			winner := &queue.JobInstance{ID: queue.JobInstanceID(mustUUID(t, "9a1f54de-3f27-4f39-bb54-c4f90a1b717e"))}

			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, definition.Name).Return(definition, nil)
			defer catalog.AssertExpectations(t)

			repo := new(jobInstanceRepository)
			repo.On("GetActiveByIdempotencyKey", ctx, tnnt, "order-91").
				Return(nil, errors.NotFound(queue.EntityJobInstance, "no instance")).Once()
			repo.On("Create", ctx, mock.Anything).
				Return(errors.AlreadyExists(queue.EntityJobInstance, "duplicate idempotency key")).Once()
			repo.On("GetActiveByIdempotencyKey", ctx, tnnt, "order-91").Return(winner, nil).Once()
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, repo)
			id, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", IdempotencyKey: "order-91"})
			assert.Nil(t, err)
			assert.Equal(t, winner.ID, id)
		})
		t.Run("dedupes against a settled instance within the dedup window", func(t *testing.T) {
			dedupDefinition, err := job.NewDefinition(tnnt, "send-welcome-email", "short_lived", "growth-team",
				time.Minute, 30*time.Second, job.RetryPolicy{MaxRetries: 3, RetryDelay: time.Second}, 0, time.Hour)
			assert.Nil(t, err)
			settled := &queue.JobInstance{ID: queue.JobInstanceID(mustUUID(t, "d0f7c7b2-6d6d-4e59-a6ff-7e3de2b5f9a4"))}

			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, dedupDefinition.Name).Return(dedupDefinition, nil)
			defer catalog.AssertExpectations(t)

			repo := new(jobInstanceRepository)
			repo.On("GetActiveByIdempotencyKey", ctx, tnnt, "order-91").
				Return(nil, errors.NotFound(queue.EntityJobInstance, "no instance"))
			repo.On("GetSettledByIdempotencyKeySince", ctx, tnnt, "order-91", mock.Anything).
				Run(func(args mock.Arguments) {
					since := args.Get(3).(time.Time)
					assert.WithinDuration(t, time.Now().Add(-time.Hour), since, time.Minute)
				}).Return(settled, nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, repo)
			id, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", IdempotencyKey: "order-91"})
			assert.Nil(t, err)
			assert.Equal(t, settled.ID, id)
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
		t.Run("creates a new instance when the settled one left the dedup window", func(t *testing.T) {
			dedupDefinition, err := job.NewDefinition(tnnt, "send-welcome-email", "short_lived", "growth-team",
				time.Minute, 30*time.Second, job.RetryPolicy{MaxRetries: 3, RetryDelay: time.Second}, 0, time.Hour)
			assert.Nil(t, err)

			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, dedupDefinition.Name).Return(dedupDefinition, nil)
			defer catalog.AssertExpectations(t)

			repo := new(jobInstanceRepository)
			repo.On("GetActiveByIdempotencyKey", ctx, tnnt, "order-91").
				Return(nil, errors.NotFound(queue.EntityJobInstance, "no instance"))
			repo.On("GetSettledByIdempotencyKeySince", ctx, tnnt, "order-91", mock.Anything).
				Return(nil, errors.NotFound(queue.EntityJobInstance, "no settled instance"))
			repo.On("Create", ctx, mock.Anything).Return(nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, repo)
			id, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", IdempotencyKey: "order-91"})
			assert.Nil(t, err)
			assert.False(t, id.IsEmpty())
		})
		t.Run("returns error for invalid priority", func(t *testing.T) {
			catalog := new(definitionGetter)
			catalog.On("Get", ctx, tnnt, definition.Name).Return(definition, nil)
			defer catalog.AssertExpectations(t)

			queueService := service.NewQueueService(logger, catalog, new(jobInstanceRepository))
			_, err := queueService.Enqueue(ctx, tnnt, queue.EnqueueRequest{JobName: "send-welcome-email", Priority: 200})
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrInvalidArgument))
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		id := queue.JobInstanceID(mustUUID(t, "4b7bb6f1-a35b-44f0-9ee7-0923f25c50c1"))

		t.Run("returns error when the instance is missing", func(t *testing.T) {
			repo := new(jobInstanceRepository)
			repo.On("GetByID", ctx, tnnt, id).Return(nil, errors.NotFound(queue.EntityJobInstance, "no instance"))
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, new(definitionGetter), repo)
			err := queueService.Cancel(ctx, tnnt, id)
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrNotFound))
		})
		t.Run("rejects cancel of an in progress instance", func(t *testing.T) {
			repo := new(jobInstanceRepository)
			repo.On("GetByID", ctx, tnnt, id).Return(&queue.JobInstance{ID: id, Status: queue.StateInProgress}, nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, new(definitionGetter), repo)
			err := queueService.Cancel(ctx, tnnt, id)
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrFailedPrecond))
			repo.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
		t.Run("rejects cancel of a terminal instance", func(t *testing.T) {
			repo := new(jobInstanceRepository)
			repo.On("GetByID", ctx, tnnt, id).Return(&queue.JobInstance{ID: id, Status: queue.StateSucceeded}, nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, new(definitionGetter), repo)
			err := queueService.Cancel(ctx, tnnt, id)
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrFailedPrecond))
		})
		t.Run("cancels a queued instance conditioned on its observed state", func(t *testing.T) {
			repo := new(jobInstanceRepository)
			repo.On("GetByID", ctx, tnnt, id).Return(&queue.JobInstance{ID: id, Status: queue.StateQueued}, nil)
			repo.On("Cancel", ctx, tnnt, id, queue.StateQueued, mock.Anything).Return(nil)
			defer repo.AssertExpectations(t)

			queueService := service.NewQueueService(logger, new(definitionGetter), repo)
			assert.Nil(t, queueService.Cancel(ctx, tnnt, id))
		})
	})

	t.Run("PurgeTerminal", func(t *testing.T) {
		repo := new(jobInstanceRepository)
		repo.On("DeleteTerminalBefore", ctx, mock.Anything).Return(4, nil)
		defer repo.AssertExpectations(t)

		queueService := service.NewQueueService(logger, new(definitionGetter), repo)
		assert.Nil(t, queueService.PurgeTerminal(ctx, 24*time.Hour))
	})
}

func mustUUID(t *testing.T, raw string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(raw)
	assert.Nil(t, err)
	return id
}

type definitionGetter struct {
	mock.Mock
}

func (d *definitionGetter) Get(ctx context.Context, tnnt tenant.Tenant, name job.Name) (*job.Definition, error) {
	args := d.Called(ctx, tnnt, name)
	var definition *job.Definition
	if args.Get(0) != nil {
		definition = args.Get(0).(*job.Definition)
	}
	return definition, args.Error(1)
}

type jobInstanceRepository struct {
	mock.Mock
}

func (j *jobInstanceRepository) Create(ctx context.Context, instance *queue.JobInstance) error {
	args := j.Called(ctx, instance)
	return args.Error(0)
}

func (j *jobInstanceRepository) GetByID(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID) (*queue.JobInstance, error) {
	args := j.Called(ctx, tnnt, id)
	var instance *queue.JobInstance
	if args.Get(0) != nil {
		instance = args.Get(0).(*queue.JobInstance)
	}
	return instance, args.Error(1)
}

func (j *jobInstanceRepository) GetActiveByIdempotencyKey(ctx context.Context, tnnt tenant.Tenant, key string) (*queue.JobInstance, error) {
	args := j.Called(ctx, tnnt, key)
	var instance *queue.JobInstance
	if args.Get(0) != nil {
		instance = args.Get(0).(*queue.JobInstance)
	}
	return instance, args.Error(1)
}

func (j *jobInstanceRepository) GetSettledByIdempotencyKeySince(ctx context.Context, tnnt tenant.Tenant, key string, since time.Time) (*queue.JobInstance, error) {
	args := j.Called(ctx, tnnt, key, since)
	var instance *queue.JobInstance
	if args.Get(0) != nil {
		instance = args.Get(0).(*queue.JobInstance)
	}
	return instance, args.Error(1)
}

func (j *jobInstanceRepository) Cancel(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, now time.Time) error {
	args := j.Called(ctx, tnnt, id, expected, now)
	return args.Error(0)
}

func (j *jobInstanceRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	args := j.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}
