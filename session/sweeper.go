package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often a Sweeper runs when none is given.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper returns a Sweeper over store. An interval of zero means
// DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	o := buildOptions(opts)
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      o.now,
		logger:   o.logger.With("component", "session_sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes expired sessions once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "sweeping expired sessions", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired sessions removed", slog.Int("count", n))
	}
	return n
}
