package deadletter

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
	EntityDeadLetter = "dead_letter"

	// RetentionPeriod is how long an entry is kept for remediation before it
	// is eligible for purge.
	RetentionPeriod = 30 * 24 * time.Hour
)

const (
	RemediationPending       RemediationStatus = "pending"
	RemediationInvestigating RemediationStatus = "investigating"
	RemediationResolved      RemediationStatus = "resolved"
	RemediationArchived      RemediationStatus = "archived"
)

type RemediationStatus string

func RemediationStatusFromString(status string) (RemediationStatus, error) {
	switch strings.ToLower(status) {
	case string(RemediationPending):
		return RemediationPending, nil
	case string(RemediationInvestigating):
		return RemediationInvestigating, nil
	case string(RemediationResolved):
		return RemediationResolved, nil
	case string(RemediationArchived):
		return RemediationArchived, nil
	default:
		return "", errors.InvalidArgument(EntityDeadLetter, "invalid remediation status "+status)
	}
}

func (r RemediationStatus) String() string {
	return string(r)
}

// Entry is an immutable snapshot of a job instance that exhausted its retry
// budget. It copies what remediation needs from the instance instead of
// referencing it, the original row may be purged long before the entry is.
type Entry struct {
	ID     uuid.UUID
	Tenant tenant.Tenant

	JobInstanceID queue.JobInstanceID
	JobName       job.Name
	Input         []byte
	RetryCount    int
	FailureReason string

	RemediationStatus RemediationStatus

	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewEntryFromInstance snapshots a terminally failed instance. Called exactly
// once per instance, when the completion that exhausts the retry budget is
// recorded.
func NewEntryFromInstance(instance *queue.JobInstance, now time.Time) *Entry {
	input := make([]byte, len(instance.Input))
	copy(input, instance.Input)

	return &Entry{
		ID:                uuid.New(),
		Tenant:            instance.Tenant,
		JobInstanceID:     instance.ID,
		JobName:           instance.JobName,
		Input:             input,
		RetryCount:        instance.RetryCount,
		FailureReason:     instance.ErrorMessage,
		RemediationStatus: RemediationPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(RetentionPeriod),
	}
}
