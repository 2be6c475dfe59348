package job

import (
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
)

const EntityJob = "job"

type Name string

func NameFrom(name string) (Name, error) {
	if name == "" {
		return "", errors.InvalidArgument(EntityJob, "job name is empty")
	}
	return Name(name), nil
}

func (n Name) String() string {
	return string(n)
}

const (
	FamilyShortLived  Family = "short_lived"
	FamilyScheduled   Family = "scheduled"
	FamilyLongRunning Family = "long_running"
)

// Family is the coarse classification of a job type, used for worker routing
// and default limits.
type Family string

func FamilyFromString(family string) (Family, error) {
	switch strings.ToLower(family) {
	case string(FamilyShortLived):
		return FamilyShortLived, nil
	case string(FamilyScheduled):
		return FamilyScheduled, nil
	case string(FamilyLongRunning):
		return FamilyLongRunning, nil
	default:
		return "", errors.InvalidArgument(EntityJob, "invalid job family "+family)
	}
}

func (f Family) String() string {
	return string(f)
}

// RetryPolicy captures how many times an instance of this job may be retried
// and how far apart the attempts are spaced. Delay grows exponentially per
// attempt, capped by the definition timeout.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Definition is a catalog entry describing one job type for a tenant. It is
// read on every enqueue and never deleted while instances reference it.
type Definition struct {
	Name   Name
	Tenant tenant.Tenant
	Family Family

	MaxRuntime time.Duration
	Timeout    time.Duration
	Retry      RetryPolicy

	Owner       string
	SLATarget   time.Duration
	DedupWindow time.Duration
}

func NewDefinition(tnnt tenant.Tenant, name, family, owner string, maxRuntime, timeout time.Duration,
	retry RetryPolicy, slaTarget, dedupWindow time.Duration,
) (*Definition, error) {
	jobName, err := NameFrom(name)
	if err != nil {
		return nil, err
	}

	jobFamily, err := FamilyFromString(family)
	if err != nil {
		return nil, err
	}

	if tnnt.IsEmpty() {
		return nil, errors.InvalidArgument(EntityJob, "tenant is empty for job "+name)
	}
	if maxRuntime <= 0 {
		return nil, errors.InvalidArgument(EntityJob, "max runtime must be positive for job "+name)
	}
	if retry.MaxRetries < 0 {
		return nil, errors.InvalidArgument(EntityJob, "max retries cannot be negative for job "+name)
	}
	if retry.RetryDelay < 0 {
		return nil, errors.InvalidArgument(EntityJob, "retry delay cannot be negative for job "+name)
	}

	return &Definition{
		Name:        jobName,
		Tenant:      tnnt,
		Family:      jobFamily,
		MaxRuntime:  maxRuntime,
		Timeout:     timeout,
		Retry:       retry,
		Owner:       owner,
		SLATarget:   slaTarget,
		DedupWindow: dedupWindow,
	}, nil
}

// StaleAfter is the heartbeat age past which a leased instance of this job is
// considered abandoned and eligible for reclaim.
func (d *Definition) StaleAfter() time.Duration {
	return 2 * d.MaxRuntime
}
