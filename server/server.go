package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/odpf/salt/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyorhq/conveyor/config"
	dlqService "github.com/conveyorhq/conveyor/core/deadletter/service"
	jobService "github.com/conveyorhq/conveyor/core/job/service"
	metricService "github.com/conveyorhq/conveyor/core/metric/service"
	queueService "github.com/conveyorhq/conveyor/core/queue/service"
	scheduleService "github.com/conveyorhq/conveyor/core/schedule/service"
	"github.com/conveyorhq/conveyor/internal/store/postgres"
	jobRepo "github.com/conveyorhq/conveyor/internal/store/postgres/job"
	metricRepo "github.com/conveyorhq/conveyor/internal/store/postgres/metric"
	queueRepo "github.com/conveyorhq/conveyor/internal/store/postgres/queue"
	scheduleRepo "github.com/conveyorhq/conveyor/internal/store/postgres/schedule"
)

const shutdownWait = 10 * time.Second

// ConveyorServer wires the stores and services together and drives the
// periodic work: schedule sweeps, stale lease reclaim and retention purges.
// The services themselves are the in process API surface.
type ConveyorServer struct {
	conf   *config.ServerConfig
	logger log.Logger
	dbPool *pgxpool.Pool

	Catalog     *jobService.CatalogService
	Queue       *queueService.QueueService
	Lease       *queueService.LeaseService
	Completion  *queueService.CompletionService
	Metrics     *metricService.MetricsService
	Remediation *dlqService.RemediationService
	Scheduler   *scheduleService.SchedulerService

	metricsServer *http.Server
}

func New(conf *config.ServerConfig) (*ConveyorServer, error) {
	logger := createLogger(conf)

	dbPool, err := postgres.Open(conf.Serve.DB)
	if err != nil {
		return nil, err
	}

	instances := queueRepo.NewJobInstanceRepository(dbPool)
	catalog := jobService.NewCatalogService(logger, jobRepo.NewJobRepository(dbPool))
	metrics := metricService.NewMetricsService(logger, metricRepo.NewMetricRepository(dbPool))
	queue := queueService.NewQueueService(logger, catalog, instances)

	server := &ConveyorServer{
		conf:        conf,
		logger:      logger,
		dbPool:      dbPool,
		Catalog:     catalog,
		Queue:       queue,
		Lease:       queueService.NewLeaseService(logger, instances),
		Completion:  queueService.NewCompletionService(logger, catalog, instances, metrics),
		Metrics:     metrics,
		Remediation: dlqService.NewRemediationService(logger, queueRepo.NewDeadLetterRepository(dbPool), queue),
		Scheduler: scheduleService.NewSchedulerService(logger,
			scheduleRepo.NewScheduleRepository(dbPool), catalog, instances, queue),
	}
	return server, nil
}

func createLogger(conf *config.ServerConfig) log.Logger {
	return log.NewLogrus(
		log.LogrusWithLevel(conf.Log.Level),
		log.LogrusWithWriter(os.Stderr),
	)
}

// Serve runs the periodic loops and the metrics endpoint until ctx is
// canceled.
func (s *ConveyorServer) Serve(ctx context.Context) error {
	s.logger.Info("starting conveyor", "host", s.conf.Serve.Host, "port", s.conf.Serve.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.conf.Serve.Host, s.conf.Serve.Port),
		Handler: mux,
	}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()

	go s.runEvery(ctx, s.conf.Scheduler.SweepInterval, "scheduler sweep", s.Scheduler.EvaluateDue)
	go s.runEvery(ctx, s.conf.Scheduler.ReaperInterval, "lease reaper", s.Lease.ReclaimStale)
	go s.runEvery(ctx, s.conf.Retention.PurgeInterval, "retention purge", func(ctx context.Context) error {
		if err := s.Queue.PurgeTerminal(ctx, s.conf.Retention.TerminalFor); err != nil {
			return err
		}
		if err := s.Remediation.PurgeExpired(ctx); err != nil {
			return err
		}
		return s.Metrics.PurgeExpired(ctx, time.Now())
	})

	<-ctx.Done()
	return s.shutdown()
}

func (s *ConveyorServer) runEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Error(name+" failed", "error", err)
			}
		}
	}
}

func (s *ConveyorServer) shutdown() error {
	s.logger.Info("shutting down conveyor")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("unable to stop metrics server", "error", err)
		}
	}

	s.dbPool.Close()
	s.logger.Info("server shutdown complete")
	return nil
}
