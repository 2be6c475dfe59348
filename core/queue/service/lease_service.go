package service

import (
	"context"
	"time"

	"github.com/odpf/salt/log"

	"github.com/conveyorhq/conveyor/core/job"
	"github.com/conveyorhq/conveyor/core/queue"
	"github.com/conveyorhq/conveyor/core/tenant"
	"github.com/conveyorhq/conveyor/internal/errors"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

const (
	// leaseAttempts bounds how many selection rounds a single LeaseNext call
	// makes when every candidate it picked was claimed by another worker
	// first. Losing all rounds is reported as no work, not as an error.
	leaseAttempts = 3

	leaseCandidateLimit = 10
)

type LeasableInstanceRepository interface {
	ListLeasable(ctx context.Context, tnnt tenant.Tenant, family *job.Family, now time.Time, limit int) ([]*queue.JobInstance, error)
	Claim(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, expected queue.State, workerID string, now time.Time) (*queue.JobInstance, error)
	RefreshHeartbeat(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, workerID string, now time.Time) error
	ReclaimStale(ctx context.Context, now time.Time) (int, error)
}

// LeaseService hands out exclusive claims on queue instances. Any number of
// workers may poll concurrently, the conditional claim on the store decides
// the single winner per instance.
type LeaseService struct {
	l    log.Logger
	repo LeasableInstanceRepository
	now  func() time.Time
}

func NewLeaseService(l log.Logger, repo LeasableInstanceRepository) *LeaseService {
	return &LeaseService{
		l:    l,
		repo: repo,
		now:  time.Now,
	}
}

// LeaseNext claims the highest priority eligible instance for the tenant,
// earliest queued first within a priority band. Returns nil when nothing is
// eligible or every candidate was lost to concurrent workers.
func (s *LeaseService) LeaseNext(ctx context.Context, tnnt tenant.Tenant, workerID string, family *job.Family) (*queue.JobInstance, error) {
	if workerID == "" {
		return nil, errors.InvalidArgument(queue.EntityLease, "worker id is empty")
	}

	for attempt := 0; attempt < leaseAttempts; attempt++ {
		now := s.now()
		candidates, err := s.repo.ListLeasable(ctx, tnnt, family, now, leaseCandidateLimit)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, candidate := range candidates {
			claimed, err := s.repo.Claim(ctx, tnnt, candidate.ID, candidate.Status, workerID, now)
			if err != nil {
				if errors.IsErrorType(err, errors.ErrFailedPrecond) {
					telemetry.NewCounter("queue_lease_conflicts_total", map[string]string{
						"tenant": tnnt.Name().String(),
					}).Inc()
					continue
				}
				return nil, err
			}

			telemetry.NewCounter("queue_leases_total", map[string]string{
				"tenant": tnnt.Name().String(),
				"job":    claimed.JobName.String(),
			}).Inc()
			return claimed, nil
		}
	}

	s.l.Debug("worker lost all lease rounds", "tenant", tnnt.Name().String(), "worker", workerID)
	return nil, nil
}

// Heartbeat refreshes the lease of an in progress instance. Workers call it
// periodically while processing so the reaper can tell a slow worker from a
// dead one.
func (s *LeaseService) Heartbeat(ctx context.Context, tnnt tenant.Tenant, id queue.JobInstanceID, workerID string) error {
	if workerID == "" {
		return errors.InvalidArgument(queue.EntityLease, "worker id is empty")
	}
	return s.repo.RefreshHeartbeat(ctx, tnnt, id, workerID, s.now())
}

// ReclaimStale returns in progress instances whose worker stopped
// heartbeating to the queue, bounding the impact of a worker crash. An
// instance is stale once its heartbeat is older than twice its max runtime.
func (s *LeaseService) ReclaimStale(ctx context.Context) error {
	reclaimed, err := s.repo.ReclaimStale(ctx, s.now())
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		s.l.Warn("reclaimed stale job instances", "count", reclaimed)
		telemetry.NewCounter("queue_reclaimed_total", nil).Add(float64(reclaimed))
	}
	return nil
}
