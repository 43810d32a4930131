// Package maintenance runs the periodic cache-eviction task off the alarm
// facility. It is fire-and-forget: failures are logged and drive the task's
// own scheduling backoff, never a caller's error path.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ume-tora/replyhub/internal/alarm"
	"github.com/ume-tora/replyhub/internal/cache"
)

// AlarmName is the alarm the evictor registers.
const AlarmName = "cache-maintenance"

// DefaultPeriod is the baseline eviction interval.
const DefaultPeriod = time.Hour

const (
	// failureThreshold is how many consecutive failures trigger a longer
	// period.
	failureThreshold = 3
	// periodFactor is applied to the period when the threshold is hit
	// (hourly becomes every four hours).
	periodFactor = 4
)

// Evictor schedules and runs cache eviction.
type Evictor struct {
	cache     *cache.ContextCache
	scheduler alarm.Facility
	logger    *slog.Logger

	mu       sync.Mutex
	period   time.Duration
	failures int
}

// Option configures the evictor.
type Option func(*Evictor)

// WithPeriod overrides the baseline eviction interval.
func WithPeriod(period time.Duration) Option {
	return func(e *Evictor) {
		if period > 0 {
			e.period = period
		}
	}
}

// New creates an evictor over the given cache and alarm facility.
func New(contextCache *cache.ContextCache, scheduler alarm.Facility, logger *slog.Logger, opts ...Option) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evictor{
		cache:     contextCache,
		scheduler: scheduler,
		logger:    logger,
		period:    DefaultPeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds the alarm handler and registers the periodic schedule.
func (e *Evictor) Start(ctx context.Context) error {
	e.scheduler.Handle(AlarmName, e.run)
	e.mu.Lock()
	period := e.period
	e.mu.Unlock()
	return e.scheduler.Register(ctx, alarm.Entry{
		Name:         AlarmName,
		InitialDelay: period,
		Period:       period,
	})
}

func (e *Evictor) run(ctx context.Context, _ string) {
	removed, err := e.cache.Evict(ctx)
	if err != nil {
		e.recordFailure(ctx, err)
		return
	}

	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	e.logger.Info("cache eviction complete", "removed", removed)
}

// recordFailure counts consecutive failures; at the threshold the evictor
// lengthens its own period to stop hammering a failing store, then resets
// the counter.
func (e *Evictor) recordFailure(ctx context.Context, err error) {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	var newPeriod time.Duration
	if failures >= failureThreshold {
		e.period *= periodFactor
		newPeriod = e.period
		e.failures = 0
	}
	e.mu.Unlock()

	e.logger.Warn("cache eviction failed", "consecutive_failures", failures, "error", err)

	if newPeriod > 0 {
		reErr := e.scheduler.Register(ctx, alarm.Entry{
			Name:         AlarmName,
			InitialDelay: newPeriod,
			Period:       newPeriod,
		})
		if reErr != nil {
			e.logger.Error("failed to lengthen maintenance period", "error", reErr)
			return
		}
		e.logger.Warn("maintenance period lengthened", "period", newPeriod)
	}
}
