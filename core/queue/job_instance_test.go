package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
)

func TestJobInstance(t *testing.T) {
	tnnt, _ := tenant.NewTenant("acme")
	definition, err := job.NewDefinition(tnnt, "send-welcome-email", "short_lived", "growth-team",
		time.Minute, 30*time.Second, job.RetryPolicy{MaxRetries: 3, RetryDelay: 2 * time.Second}, 0, 0)
	assert.Nil(t, err)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("JobInstanceIDFromString", func(t *testing.T) {
		t.Run("returns error for malformed id", func(t *testing.T) {
			_, err := queue.JobInstanceIDFromString("not-a-uuid")
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "invalid value for job instance id")
		})
		t.Run("round trips a valid id", func(t *testing.T) {
			id, err := queue.JobInstanceIDFromString("4b7bb6f1-a35b-44f0-9ee7-0923f25c50c1")
			assert.Nil(t, err)
			assert.False(t, id.IsEmpty())
			assert.Equal(t, "4b7bb6f1-a35b-44f0-9ee7-0923f25c50c1", id.String())
		})
	})

	t.Run("NewJobInstance", func(t *testing.T) {
		t.Run("returns error for priority out of range", func(t *testing.T) {
			_, err := queue.NewJobInstance(definition, queue.EnqueueRequest{JobName: "send-welcome-email", Priority: 101}, now)
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "priority out of range")

			_, err = queue.NewJobInstance(definition, queue.EnqueueRequest{JobName: "send-welcome-email", Priority: -1}, now)
			assert.NotNil(t, err)
		})
		t.Run("returns error for negative retries override", func(t *testing.T) {
			override := -1
			_, err := queue.NewJobInstance(definition, queue.EnqueueRequest{MaxRetries: &override}, now)
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "max retries cannot be negative")
		})
		t.Run("returns error for non positive timeout override", func(t *testing.T) {
			override := -time.Second
			_, err := queue.NewJobInstance(definition, queue.EnqueueRequest{Timeout: &override}, now)
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "timeout must be positive")
		})
		t.Run("inherits defaults from the definition", func(t *testing.T) {
			instance, err := queue.NewJobInstance(definition, queue.EnqueueRequest{
				JobName:  "send-welcome-email",
				Input:    []byte(`{"user":"u-42"}`),
				Priority: 10,
			}, now)
			assert.Nil(t, err)
			assert.False(t, instance.ID.IsEmpty())
			assert.Equal(t, queue.StateQueued, instance.Status)
			assert.Equal(t, 3, instance.MaxRetries)
			assert.Equal(t, 2*time.Second, instance.RetryDelay)
			assert.Equal(t, 30*time.Second, instance.Timeout)
			assert.Equal(t, time.Minute, instance.MaxRuntime)
			assert.Equal(t, 0, instance.RetryCount)
			assert.True(t, instance.QueuedAt.Equal(now))
		})
		t.Run("applies per enqueue overrides", func(t *testing.T) {
			retries := 0
			timeout := 5 * time.Second
			instance, err := queue.NewJobInstance(definition, queue.EnqueueRequest{
				JobName:    "send-welcome-email",
				MaxRetries: &retries,
				Timeout:    &timeout,
			}, now)
			assert.Nil(t, err)
			assert.Equal(t, 0, instance.MaxRetries)
			assert.Equal(t, 5*time.Second, instance.Timeout)
		})
	})

	t.Run("HasRetryBudget", func(t *testing.T) {
		instance := &queue.JobInstance{RetryCount: 2, MaxRetries: 3}
		assert.True(t, instance.HasRetryBudget())

		instance.RetryCount = 3
		assert.False(t, instance.HasRetryBudget())
	})

	t.Run("ExecutionTime", func(t *testing.T) {
		t.Run("is zero before the attempt started", func(t *testing.T) {
			instance := &queue.JobInstance{}
			assert.Zero(t, instance.ExecutionTime(now))
		})
		t.Run("measures from the attempt start", func(t *testing.T) {
			startedAt := now.Add(-90 * time.Second)
			instance := &queue.JobInstance{StartedAt: &startedAt}
			assert.Equal(t, 90*time.Second, instance.ExecutionTime(now))
		})
	})

	t.Run("HasSLABreached", func(t *testing.T) {
		startedAt := now.Add(-90 * time.Second)
		instance := &queue.JobInstance{StartedAt: &startedAt}

		assert.True(t, instance.HasSLABreached(time.Minute, now))
		assert.False(t, instance.HasSLABreached(2*time.Minute, now))
		assert.False(t, instance.HasSLABreached(0, now), "zero target tracks no SLA")
	})
}
