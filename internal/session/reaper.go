package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reaper settings
const (
	DefaultIdleTimeout    = 300 * time.Second
	DefaultReaperInterval = 30 * time.Second
)

// Reaper periodically ends sessions that have been idle for too long. It is
// the only path that reclaims calls whose connection died without a close.
type Reaper struct {
	registry    *Registry
	idleTimeout time.Duration
	interval    time.Duration
	logger      *slog.Logger

	hooks []func(now time.Time)
	mu    sync.Mutex
}

// NewReaper creates a reaper over registry
func NewReaper(registry *Registry, idleTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{
		registry:    registry,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
	}
}

// AddHook registers a function run at the end of every pass, used to prune
// other time-based state such as dispatcher leases
func (r *Reaper) AddHook(hook func(now time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Run sweeps every interval until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("check_interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Session reaper stopping")
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep performs one pass at time now and returns the ids of the sessions
// it ended
func (r *Reaper) Sweep(ctx context.Context, now time.Time) []string {
	cutoff := now.Add(-r.idleTimeout)
	idle := func(s *Session) bool {
		return s.LastActivity().Before(cutoff)
	}

	var ended []string
	evicted := 0
	for _, sess := range r.registry.AllActive() {
		if !idle(sess) {
			continue
		}
		if r.registry.evict(sess.CallID, idle) {
			evicted++
			continue
		}
		if r.registry.endIf(ctx, sess.CallID, ReasonTimeout, idle) != nil {
			ended = append(ended, sess.CallID)
		}
	}

	if len(ended) > 0 || evicted > 0 {
		r.logger.Info("Reaped idle sessions",
			slog.Int("timed_out", len(ended)),
			slog.Int("evicted", evicted),
		)
	}

	r.mu.Lock()
	hooks := append([]func(time.Time){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook(now)
	}

	return ended
}
