package syncq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// SyncerConfig holds tunable parameters for the background loop.
type SyncerConfig struct {
	IntervalSec int
	// MaxBackoff caps the delay added after a round with failures.
	MaxBackoff time.Duration
}

// Syncer periodically runs SyncAll, spacing rounds out exponentially while
// sends keep failing, and prunes synced entries after each round.
type Syncer struct {
	Queue  *Queue
	Config SyncerConfig

	log      zerolog.Logger
	backoff  *backoff.ExponentialBackOff
	mu       sync.Mutex
	notUntil time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSyncer creates a Syncer with defaults for zero-value config fields.
func NewSyncer(q *Queue, cfg SyncerConfig, log zerolog.Logger) *Syncer {
	if cfg.IntervalSec == 0 {
		cfg.IntervalSec = 15
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.IntervalSec) * time.Second
	b.MaxInterval = cfg.MaxBackoff
	return &Syncer{
		Queue:   q,
		Config:  cfg,
		log:     log.With().Str("component", "syncer").Logger(),
		backoff: b,
		stopCh:  make(chan struct{}),
	}
}

// RunOnce performs one round unless the syncer is backing off, then clears
// synced entries. Offline and in-progress rounds are not failures.
func (s *Syncer) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	s.mu.Lock()
	if now.Before(s.notUntil) {
		s.mu.Unlock()
		return Report{}, nil
	}
	s.mu.Unlock()

	rep, err := s.Queue.SyncAll(ctx)
	switch {
	case errors.Is(err, domain.ErrOffline), errors.Is(err, domain.ErrSyncInProgress):
		return rep, nil
	case err != nil:
		return rep, err
	}

	s.mu.Lock()
	if rep.Requeued+rep.Failed > 0 {
		delay := s.backoff.NextBackOff()
		s.notUntil = now.Add(delay)
		s.log.Warn().Dur("delay", delay).Str("last_error", s.Queue.LastError()).Msg("sync round had failures, backing off")
	} else {
		s.backoff.Reset()
		s.notUntil = time.Time{}
	}
	s.mu.Unlock()

	if n := s.Queue.ClearSynced(ctx); n > 0 {
		s.log.Debug().Int("cleared", n).Msg("pruned synced entries")
	}
	return rep, nil
}

// Start spawns the loop goroutine.
func (s *Syncer) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.Config.IntervalSec) * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.RunOnce(ctx, now); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("sync round")
				}
			}
		}
	}()
}

// Stop signals the loop to exit. Safe to call multiple times.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
