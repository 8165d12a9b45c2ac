package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/robfig/cron"

	"canarybox/internal/site"
)

// Guard is taken around each scheduled capture. It returns a release
// function, or an error when the capture must be skipped (for example
// because a deployment holds the site lock).
type Guard func(ctx context.Context) (release func(), err error)

// Scheduler runs captures for each tier on its cron schedule.
type Scheduler struct {
	manager *Manager
	guard   Guard
	logger  *slog.Logger
	cron    *cron.Cron

	// cron.Stop does not wait for running jobs; Run does.
	mu      sync.Mutex
	stopped bool
	jobs    sync.WaitGroup
}

func NewScheduler(m *Manager, guard Guard) *Scheduler {
	return &Scheduler{
		manager: m,
		guard:   guard,
		logger:  m.logger,
		cron:    cron.New(),
	}
}

// Run registers every tier and blocks until ctx is cancelled. Captures
// still running at that point see the cancelled context; Run returns only
// after they have released their guard.
func (s *Scheduler) Run(ctx context.Context) error {
	schedule := s.manager.site.Backup.Schedule
	for _, tier := range site.Tiers {
		spec := schedule[tier]
		if spec == "" {
			continue
		}
		tier := tier
		if err := s.cron.AddFunc(spec, func() { s.dispatch(ctx, tier) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", tier, spec, err)
		}
		s.logger.Info("Backup tier scheduled", "site", s.manager.site.Name, "tier", tier, "schedule", spec)
	}

	s.cron.Start()
	<-ctx.Done()
	s.cron.Stop()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.jobs.Wait()
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, tier site.Tier) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.jobs.Add(1)
	s.mu.Unlock()
	defer s.jobs.Done()

	s.runOnce(ctx, tier)
}

func (s *Scheduler) runOnce(ctx context.Context, tier site.Tier) {
	if ctx.Err() != nil {
		return
	}
	if s.guard != nil {
		release, err := s.guard(ctx)
		if err != nil {
			s.logger.Warn("Scheduled backup skipped", "site", s.manager.site.Name, "tier", tier, "error", err)
			return
		}
		defer release()
	}

	snap, err := s.manager.Capture(ctx, s.manager.DefaultComponents(), tier)
	if err != nil && ctx.Err() != nil {
		if snap != nil {
			os.RemoveAll(snap.Path)
		}
		s.logger.Warn("Scheduled backup interrupted", "site", s.manager.site.Name, "tier", tier, "error", err)
		return
	}
	if err != nil {
		s.logger.Error("Scheduled backup failed", "site", s.manager.site.Name, "tier", tier, "error", err)
		return
	}
	s.logger.Info("Scheduled backup completed", "site", s.manager.site.Name, "tier", tier, "snapshot", snap.ID)
}
