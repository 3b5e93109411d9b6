// Package integrity re-validates stored collections on a cron schedule, so
// referential rules broken by later writes (a deleted team, a deactivated
// plan) surface without waiting for the next save.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/sigil/internal/store"
)

// Revalidator is the interface the sweeper uses to re-run a model's rules
// over stored documents. Satisfied by the mapper (avoids import cycle).
type Revalidator interface {
	Sweep(ctx context.Context, model string) (violations int, err error)
}

// Sweeper polls the store for due sweep jobs and re-validates their models.
type Sweeper struct {
	store  store.Store
	reval  Revalidator
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewSweeper creates a new Sweeper.
func NewSweeper(s store.Store, reval Revalidator, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    s,
		reval:    reval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background sweep loop with a 60s ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Sweeper) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListSweepJobs(ctx, store.SweepJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list sweep jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run sweep job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.releaseJob(job.ID)
		}
	}
}

// runJob sweeps one model and updates the job's timestamps.
func (s *Sweeper) runJob(ctx context.Context, job *store.SweepJob, now time.Time) error {
	s.logger.Info("running sweep job",
		slog.String("job_id", job.ID),
		slog.String("model", job.Model),
	)

	violations, err := s.reval.Sweep(ctx, job.Model)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("sweep failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else if violations > 0 {
		status = fmt.Sprintf("violations:%d", violations)
		s.logger.Warn("sweep found violations",
			slog.String("job_id", job.ID),
			slog.String("model", job.Model),
			slog.Int("violations", violations),
		)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Sweeper) updateJobStatus(ctx context.Context, job *store.SweepJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateSweepJob(ctx, job.ID, store.SweepJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Sweeper) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Sweeper) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Sweeper) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}

// RecoverMissed checks for jobs that missed their next_run_at and runs them once.
func (s *Sweeper) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListSweepJobs(ctx, store.SweepJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed sweep job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				s.releaseJob(job.ID)
				continue
			}
			s.releaseJob(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed sweep jobs", slog.Int("count", recovered))
	}
	return nil
}
