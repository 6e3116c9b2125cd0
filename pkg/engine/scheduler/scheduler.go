// Package scheduler acquires due jobs and feeds them to the engine. Several
// scheduler processes can share one storage: the atomic lock stamp of
// AcquireDueJobs guarantees every job is held by at most one owner, and a
// cron-driven reaper returns jobs whose owner died.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// JobExecutor runs one acquired job. The engine implements this.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job runtime.Job) error
}

type Config struct {
	PollInterval   time.Duration
	LockDuration   time.Duration
	BatchSize      int
	Workers        int
	ReaperSchedule string
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   1 * time.Second,
		LockDuration:   5 * time.Minute,
		BatchSize:      32,
		Workers:        4,
		ReaperSchedule: "@every 1m",
	}
}

type Scheduler struct {
	owner    string
	config   Config
	acquirer storage.JobAcquirer
	executor JobExecutor
	logger   hclog.Logger

	cron   *cron.Cron
	jobs   chan runtime.Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(acquirer storage.JobAcquirer, executor JobExecutor, config Config, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Scheduler{
		owner:    uuid.NewString(),
		config:   config,
		acquirer: acquirer,
		executor: executor,
		logger:   logger.Named("scheduler"),
		cron:     cron.New(),
		jobs:     make(chan runtime.Job),
	}
}

// Owner returns the lock owner id of this scheduler process.
func (s *Scheduler) Owner() string {
	return s.owner
}

// Start launches the poll loop, the workers and the lock reaper.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.config.ReaperSchedule, func() {
		released, err := s.acquirer.ReleaseExpiredJobLocks(ctx, time.Now())
		if err != nil {
			s.logger.Error("failed to release expired job locks", "error", err)
			return
		}
		if released > 0 {
			s.logger.Info("released expired job locks", "count", released)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.poll(ctx)

	s.logger.Info("scheduler started", "owner", s.owner, "workers", s.config.Workers)
	return nil
}

// Stop halts acquisition and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := s.acquirer.AcquireDueJobs(ctx, s.owner, s.config.BatchSize, s.config.LockDuration, time.Now())
			if err != nil {
				s.logger.Error("failed to acquire due jobs", "error", err)
				continue
			}
			for _, job := range jobs {
				select {
				case s.jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			err := s.executor.ExecuteJob(ctx, job)
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("job execution failed",
				"job", job.Key, "type", job.Type, "instance", job.ProcessInstanceKey, "error", err)
		}
	}
}
