package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/conveyorhq/conveyor/core/deadletter"
	"github.com/conveyorhq/conveyor/core/deadletter/service"
	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
	"github.com/conveyorhq/conveyor/internal/store/memory"
)

func TestRemediationService(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNoop()
	tnnt, _ := tenant.NewTenant("acme")
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	newEntry := func() *deadletter.Entry {
		definition, err := job.NewDefinition(tnnt, "charge-card", "short_lived", "billing-team",
			time.Minute, 30*time.Second, job.RetryPolicy{MaxRetries: 2, RetryDelay: time.Second}, 0, 0)
		assert.Nil(t, err)
		instance, err := queue.NewJobInstance(definition, queue.EnqueueRequest{
			JobName: "charge-card", Input: []byte(`{"order":"o-7"}`),
		}, now)
		assert.Nil(t, err)
		instance.RetryCount = 2
		instance.ErrorMessage = "card declined"
		return deadletter.NewEntryFromInstance(instance, now)
	}

	seed := func(t *testing.T, store *memory.Store, entry *deadletter.Entry) {
		t.Helper()
		repo := memory.NewJobInstanceRepository(store)
		instance := &queue.JobInstance{
			ID: entry.JobInstanceID, Tenant: tnnt, JobName: entry.JobName,
			Status: queue.StateInProgress, MaxRuntime: time.Minute,
		}
		started := now
		instance.StartedAt = &started
		assert.Nil(t, repo.Create(ctx, instance))
		assert.Nil(t, repo.FinishWithDeadLetter(ctx, tnnt, entry.JobInstanceID, entry.FailureReason, entry, now))
	}

	t.Run("status transitions", func(t *testing.T) {
		t.Run("walks pending through investigating to resolved", func(t *testing.T) {
			store := memory.NewStore()
			entry := newEntry()
			seed(t, store, entry)
			entries := memory.NewDeadLetterRepository(store)

			remediation := service.NewRemediationService(logger, entries, new(enqueuer))

			assert.Nil(t, remediation.Investigate(ctx, tnnt, entry.ID))
			got, err := remediation.Get(ctx, tnnt, entry.ID)
			assert.Nil(t, err)
			assert.Equal(t, deadletter.RemediationInvestigating, got.RemediationStatus)

			assert.Nil(t, remediation.Resolve(ctx, tnnt, entry.ID))
			got, err = remediation.Get(ctx, tnnt, entry.ID)
			assert.Nil(t, err)
			assert.Equal(t, deadletter.RemediationResolved, got.RemediationStatus)
		})
		t.Run("archived entries cannot change status", func(t *testing.T) {
			store := memory.NewStore()
			entry := newEntry()
			seed(t, store, entry)
			entries := memory.NewDeadLetterRepository(store)

			remediation := service.NewRemediationService(logger, entries, new(enqueuer))
			assert.Nil(t, remediation.Archive(ctx, tnnt, entry.ID))

			err := remediation.Investigate(ctx, tnnt, entry.ID)
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrFailedPrecond))
		})
		t.Run("returns not found for a missing entry", func(t *testing.T) {
			store := memory.NewStore()
			entries := memory.NewDeadLetterRepository(store)

			remediation := service.NewRemediationService(logger, entries, new(enqueuer))
			err := remediation.Resolve(ctx, tnnt, uuid.New())
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrNotFound))
		})
	})

	t.Run("List", func(t *testing.T) {
		t.Run("filters by remediation status", func(t *testing.T) {
			store := memory.NewStore()
			first := newEntry()
			second := newEntry()
			seed(t, store, first)
			seed(t, store, second)
			entries := memory.NewDeadLetterRepository(store)

			remediation := service.NewRemediationService(logger, entries, new(enqueuer))
			assert.Nil(t, remediation.Investigate(ctx, tnnt, first.ID))

			pending := deadletter.RemediationPending
			got, err := remediation.List(ctx, tnnt, &pending)
			assert.Nil(t, err)
			assert.Len(t, got, 1)
			assert.Equal(t, second.ID, got[0].ID)
		})
	})

	t.Run("Replay", func(t *testing.T) {
		t.Run("enqueues the dead lettered input and resolves the entry", func(t *testing.T) {
			store := memory.NewStore()
			entry := newEntry()
			seed(t, store, entry)
			entries := memory.NewDeadLetterRepository(store)

			replayID := queue.JobInstanceID(uuid.New())
			enq := new(enqueuer)
			enq.On("Enqueue", ctx, tnnt, queue.EnqueueRequest{
				JobName: "charge-card",
				Input:   []byte(`{"order":"o-7"}`),
			}).Return(replayID, nil)
			defer enq.AssertExpectations(t)

			remediation := service.NewRemediationService(logger, entries, enq)
			id, err := remediation.Replay(ctx, tnnt, entry.ID)
			assert.Nil(t, err)
			assert.Equal(t, replayID, id)

			got, err := remediation.Get(ctx, tnnt, entry.ID)
			assert.Nil(t, err)
			assert.Equal(t, deadletter.RemediationResolved, got.RemediationStatus)
		})
		t.Run("refuses to replay an archived entry", func(t *testing.T) {
			store := memory.NewStore()
			entry := newEntry()
			seed(t, store, entry)
			entries := memory.NewDeadLetterRepository(store)

			remediation := service.NewRemediationService(logger, entries, new(enqueuer))
			assert.Nil(t, remediation.Archive(ctx, tnnt, entry.ID))

			_, err := remediation.Replay(ctx, tnnt, entry.ID)
			assert.NotNil(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrFailedPrecond))
		})
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		store := memory.NewStore()
		expired := newEntry()
		kept := newEntry()
		kept.ExpiresAt = time.Now().Add(time.Hour)
		seed(t, store, expired)
		seed(t, store, kept)
		entries := memory.NewDeadLetterRepository(store)

		remediation := service.NewRemediationService(logger, entries, new(enqueuer))
		assert.Nil(t, remediation.PurgeExpired(ctx))

		// the entry stamped in 2025 is past its 30 day retention
		_, err := remediation.Get(ctx, tnnt, expired.ID)
		assert.NotNil(t, err)
		assert.True(t, errors.IsErrorType(err, errors.ErrNotFound))

		_, err = remediation.Get(ctx, tnnt, kept.ID)
		assert.Nil(t, err)
	})
}

type enqueuer struct {
	mock.Mock
}

func (e *enqueuer) Enqueue(ctx context.Context, tnnt tenant.Tenant, req queue.EnqueueRequest) (queue.JobInstanceID, error) {
	args := e.Called(ctx, tnnt, req)
	return args.Get(0).(queue.JobInstanceID), args.Error(1)
}
