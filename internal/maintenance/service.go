// Package maintenance provides scheduled maintenance tasks for substrate.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TicketReaper fails running tickets that were claimed before cutoff.
type TicketReaper interface {
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Optimizer refreshes planner statistics (ANALYZE).
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Config controls the maintenance loop.
type Config struct {
	Interval   time.Duration // 0 disables the loop
	StaleAfter time.Duration // 0 disables stale-ticket reaping
	// InitialDelay is how long Start waits before the first run.
	InitialDelay time.Duration
}

// Service handles scheduled maintenance tasks.
type Service struct {
	log              zerolog.Logger
	lastRunTime      time.Time
	reaper           TicketReaper
	optimizer        Optimizer
	stopCh           chan struct{}
	doneCh           chan struct{}
	cfg              Config
	lastRunDuration  time.Duration
	totalReaped      int64
	totalOptimizeRun int64
	mu               sync.Mutex
	running          bool
	stopped          bool
}

// NewService creates a new maintenance service.
func NewService(reaper TicketReaper, optimizer Optimizer, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		reaper:    reaper,
		optimizer: optimizer,
		cfg:       cfg,
		log:       log.With().Str("component", "maintenance").Logger(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the maintenance loop and blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if s.cfg.Interval <= 0 {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("Starting maintenance scheduler")

	// Initial run after a delay (allow system to stabilize)
	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(s.cfg.InitialDelay):
	}
	s.runMaintenance(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// Stop signals the maintenance service to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Wait waits for the maintenance service to finish.
func (s *Service) Wait() {
	<-s.doneCh
}

// runMaintenance executes all maintenance tasks.
func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()
	s.log.Info().Msg("Starting maintenance run")

	// Task 1: Fail tickets whose workflow never reported back
	var reaped int64
	if s.cfg.StaleAfter > 0 && s.reaper != nil {
		n, err := s.reaper.ReapStale(ctx, time.Now().Add(-s.cfg.StaleAfter))
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to reap stale tickets")
		} else {
			reaped = n
			if n > 0 {
				s.log.Warn().Int64("reaped", n).Msg("Reaped stale running tickets")
			}
		}
	}

	// Task 2: Optimize database
	var optimized bool
	if s.optimizer != nil {
		if err := s.optimizer.Optimize(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to optimize database")
		} else {
			optimized = true
		}
	}

	// Update metrics
	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.totalReaped += reaped
	if optimized {
		s.totalOptimizeRun++
	}
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int64("tickets_reaped", reaped).
		Msg("Maintenance run completed")
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":          s.cfg.Interval > 0,
		"interval_seconds": int64(s.cfg.Interval.Seconds()),
		"stale_after_s":    int64(s.cfg.StaleAfter.Seconds()),
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastRunDuration.Milliseconds(),
		"total_reaped":     s.totalReaped,
		"total_optimizes":  s.totalOptimizeRun,
		"running":          s.running,
	}
}

// RunNow runs maintenance synchronously.
func (s *Service) RunNow(ctx context.Context) {
	s.runMaintenance(ctx)
}
