// Package guard watches safety incidents and request rates and decides when
// the workflow has to stop.
package guard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// SafetyViolation is the incident kind that counts toward a lock.
const SafetyViolation = "safety_violation"

// GuardConfig holds the incident threshold and the attempt rate limit.
type GuardConfig struct {
	// LockAfterViolations is how many safety violations inside Window lock
	// the workflow. Zero disables incident locking.
	LockAfterViolations int
	Window              time.Duration
	// RateLimitPerMinute caps attempts per key. Zero disables the limit.
	RateLimitPerMinute int
}

// SafetyGuard counts safety violations in a fixed window and rate limits
// credential attempts per client key.
type SafetyGuard struct {
	Config GuardConfig

	mu         sync.Mutex
	incidents  rateBucket
	rateCounts map[string]*rateBucket
	log        zerolog.Logger
	now        func() time.Time
}

type rateBucket struct {
	count       int
	windowStart int64
}

// NewSafetyGuard creates a SafetyGuard. A zero Window defaults to one hour.
func NewSafetyGuard(cfg GuardConfig, log zerolog.Logger) *SafetyGuard {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &SafetyGuard{
		Config:     cfg,
		rateCounts: make(map[string]*rateBucket),
		log:        log.With().Str("component", "guard").Logger(),
		now:        time.Now,
	}
}

// Observe records one incident and reports whether the workflow must lock.
// Only safety violations count; the window restarts once it has elapsed and
// the counter restarts after a trip.
func (g *SafetyGuard) Observe(kind string, at time.Time) bool {
	if kind != SafetyViolation || g.Config.LockAfterViolations <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := at.Unix()
	window := int64(g.Config.Window / time.Second)
	if g.incidents.count == 0 || now-g.incidents.windowStart > window {
		g.incidents = rateBucket{count: 1, windowStart: now}
	} else {
		g.incidents.count++
	}

	if g.incidents.count < g.Config.LockAfterViolations {
		g.log.Warn().Int("count", g.incidents.count).Msg("safety violation recorded")
		return false
	}
	g.log.Error().Int("count", g.incidents.count).Dur("window", g.Config.Window).Msg("safety violation threshold reached")
	g.incidents = rateBucket{}
	return true
}

// Violations returns the count in the current window.
func (g *SafetyGuard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.incidents.count
}

// CheckRateLimit enforces a per-key 60 second window. If the count reaches
// the configured limit, ErrRateLimitExceeded is returned.
func (g *SafetyGuard) CheckRateLimit(key string) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Unix()
	bucket, ok := g.rateCounts[key]
	if !ok {
		g.rateCounts[key] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart > 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.RateLimitPerMinute {
		return domain.ErrRateLimitExceeded
	}

	bucket.count++
	return nil
}
