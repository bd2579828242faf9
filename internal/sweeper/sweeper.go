// Package sweeper purges expired session and counter rows on a cron schedule.
// Backends with native expiry (redis) do not implement store.Purger and need
// no sweeper.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Sweeper runs Purge at every tick of a cron expression.
type Sweeper struct {
	purger store.Purger
	expr   string
	now    func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New validates expr and returns a sweeper for p.
func New(p store.Purger, expr string, opts ...Option) (*Sweeper, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", expr)
	}
	s := &Sweeper{purger: p, expr: expr, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Next returns the first tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// RunOnce purges everything expired as of now.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := s.now()
	n, err := s.purger.Purge(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	slog.Info("sweeper.purged", "rows", n, "duration_ms", s.now().Sub(start).Milliseconds())
	return n, nil
}

// Run sweeps at every tick until ctx ends. Purge failures are logged and the
// schedule continues.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "cron", s.expr)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Warn("sweeper.failed", "error", err)
		}
	}
}
