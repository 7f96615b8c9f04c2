/*
scheduler.go - Background jobs: pricing reload and intent reconciliation

PURPOSE:
  Periodically refreshes the pricing table from its source and finishes
  checkouts that were interrupted between charge and persistence.

DESIGN:
  - One goroutine per job, each with its own ticker
  - Every job runs immediately on start, then on each tick
  - A failed run is logged; the next tick tries again
  - Stop cancels the context handed to running jobs and waits for them

CONFIGURATION:
  - pricing.reload_interval_secs: pricing reload (0 disables)
  - reconcile.interval_secs:      reconciliation (0 disables)

USAGE:
  scheduler := NewScheduler(logger,
      ReloadPricingJob(provider, 5*time.Minute),
      ReconcileJob(service, time.Minute, logger))
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReloadPricing, Reconcile (manual triggers)
  - checkout/reconcile.go: Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/checkout"
	"github.com/nylta/bulk-filing/pricing"
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// ReloadPricingJob refreshes p from its source every interval.
func ReloadPricingJob(p *pricing.Provider, interval time.Duration) Job {
	return Job{
		Name:     "pricing_reload",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := p.Reload(ctx)
			return err
		},
	}
}

// ReconcileJob runs one reconciliation pass every interval.
func ReconcileJob(svc *checkout.Service, interval time.Duration, logger *zap.Logger) Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Job{
		Name:     "reconcile",
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := svc.Reconcile(ctx)
			if report.Completed+report.Voided+report.Abandoned+report.Failed > 0 {
				logger.Info("reconciliation pass",
					zap.Int("completed", report.Completed),
					zap.Int("voided", report.Voided),
					zap.Int("abandoned", report.Abandoned),
					zap.Int("skipped", report.Skipped),
					zap.Int("failed", report.Failed))
			}
			return err
		},
	}
}

// Scheduler runs Jobs in the background.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new scheduler. Jobs with a non-positive interval
// are dropped.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{logger: logger.Named("scheduler")}
	for _, j := range jobs {
		if j.Interval <= 0 {
			s.logger.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if len(s.jobs) == 0 {
		s.logger.Info("no jobs, not starting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, j)
		s.logger.Info("job started", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
	}
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.logger.Info("stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runOnce(ctx, j)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("job failed",
			zap.String("job", j.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", j.Name), zap.Duration("duration", time.Since(start)))
}
