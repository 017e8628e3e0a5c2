package generation

import (
	"context"
	"sync"
	"time"

	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/pluginauth"
)

// Sweeper periodically reconciles stale generations and scrubs expired
// pairing sessions.
type Sweeper struct {
	generations *Service
	sessions    *pluginauth.Service
	interval    time.Duration
	staleAfter  time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
	lastRun     time.Time
}

// NewSweeper creates a sweeper. sessions may be nil when pairing cleanup is
// handled elsewhere.
func NewSweeper(generations *Service, sessions *pluginauth.Service, interval, staleAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sweeper{
		generations: generations,
		sessions:    sessions,
		interval:    interval,
		staleAfter:  staleAfter,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger := logging.NewLogger("sweeper")
	logger.Info().
		Dur("interval", s.interval).
		Dur("stale_after", s.staleAfter).
		Msg("Reconciliation sweeper started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logger := logging.NewLogger("sweeper")
	logger.Info().Msg("Reconciliation sweeper stopped")
}

// LastRun returns when the sweeper last completed a pass.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	logger := logging.NewLogger("sweeper")

	reconciled, err := s.generations.ReconcileStale(ctx, s.staleAfter)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reconcile stale generations")
	} else if reconciled > 0 {
		logger.Warn().Int64("count", reconciled).Msg("Reconciled stale generations")
	}

	if s.sessions != nil {
		scrubbed, err := s.sessions.SweepExpired(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to sweep pairing sessions")
		} else if scrubbed > 0 {
			logger.Info().Int64("count", scrubbed).Msg("Scrubbed expired pairing credentials")
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()
}
