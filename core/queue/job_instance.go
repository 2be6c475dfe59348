package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const (
	EntityJobInstance = "job_instance"
	EntityLease       = "lease"

	MinPriority = 0
	MaxPriority = 100
)

type JobInstanceID uuid.UUID

func JobInstanceIDFromString(id string) (JobInstanceID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return JobInstanceID{}, errors.InvalidArgument(EntityJobInstance, "invalid value for job instance id "+id)
	}
	return JobInstanceID(parsed), nil
}

func (i JobInstanceID) UUID() uuid.UUID {
	return uuid.UUID(i)
}

func (i JobInstanceID) String() string {
	return i.UUID().String()
}

func (i JobInstanceID) IsEmpty() bool {
	return i.UUID() == uuid.Nil
}

// JobInstance is one unit of work on the queue. It is created by enqueue and
// afterwards mutated only through conditional updates keyed by its id and the
// status the caller last observed.
type JobInstance struct {
	ID     JobInstanceID
	Tenant tenant.Tenant

	JobName job.Name
	Family  job.Family

	Status   State
	Priority int

	Input        []byte
	Output       []byte
	ErrorMessage string

	RetryCount int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	MaxRuntime time.Duration

	IdempotencyKey string

	// ScheduleID is set when the instance was spawned by a schedule, the
	// scheduler counts concurrent and per-day executions through it.
	ScheduleID *uuid.UUID

	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	NextRetryAt     *time.Time
	WorkerID        string
	WorkerHeartbeat *time.Time
}

// EnqueueRequest carries everything a producer supplies for a new instance.
// MaxRetries and Timeout override the catalog defaults when set.
type EnqueueRequest struct {
	JobName        string
	Input          []byte
	Priority       int
	IdempotencyKey string
	MaxRetries     *int
	Timeout        *time.Duration
	ScheduleID     *uuid.UUID
}

// NewJobInstance builds a queued instance from its catalog definition,
// applying the per-enqueue overrides when present.
func NewJobInstance(definition *job.Definition, req EnqueueRequest, now time.Time) (*JobInstance, error) {
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return nil, errors.InvalidArgument(EntityJobInstance, "priority out of range for job "+definition.Name.String())
	}

	retries := definition.Retry.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, errors.InvalidArgument(EntityJobInstance, "max retries cannot be negative for job "+definition.Name.String())
		}
		retries = *req.MaxRetries
	}

	timeout := definition.Timeout
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return nil, errors.InvalidArgument(EntityJobInstance, "timeout must be positive for job "+definition.Name.String())
		}
		timeout = *req.Timeout
	}

	return &JobInstance{
		ID:             JobInstanceID(uuid.New()),
		Tenant:         definition.Tenant,
		JobName:        definition.Name,
		Family:         definition.Family,
		Status:         StateQueued,
		Priority:       req.Priority,
		Input:          req.Input,
		RetryCount:     0,
		MaxRetries:     retries,
		RetryDelay:     definition.Retry.RetryDelay,
		Timeout:        timeout,
		MaxRuntime:     definition.MaxRuntime,
		IdempotencyKey: req.IdempotencyKey,
		ScheduleID:     req.ScheduleID,
		QueuedAt:       now,
	}, nil
}

func (j *JobInstance) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// HasRetryBudget reports whether a failure of this instance should be retried
// rather than dead lettered.
func (j *JobInstance) HasRetryBudget() bool {
	return j.RetryCount < j.MaxRetries
}

// ExecutionTime is the wall clock duration of the current attempt.
func (j *JobInstance) ExecutionTime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return now.Sub(*j.StartedAt)
}

// HasSLABreached reports whether the finished attempt overshot the catalog
// SLA target. Zero target means no SLA is tracked for the job.
func (j *JobInstance) HasSLABreached(slaTarget time.Duration, now time.Time) bool {
	if slaTarget <= 0 {
		return false
	}
	return j.ExecutionTime(now) > slaTarget
}
