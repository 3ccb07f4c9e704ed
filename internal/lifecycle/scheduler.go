package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/metrics"
	"github.com/atmx/callmarket/internal/model"
)

// MarketLister lists every known market.
type MarketLister interface {
	ListMarkets(ctx context.Context) ([]model.Market, error)
}

// Engine is the subset of clearing.Engine the scheduler drives.
type Engine interface {
	CloseIfDue(ctx context.Context, marketID string) (*model.Market, error)
	ClearMarket(ctx context.Context, marketID string) (clearing.Outcome, error)
}

// Config controls the scheduler's cadence.
type Config struct {
	// Interval between lifecycle sweeps.
	Interval time.Duration
	// ClearInterval between automatic clearing of open markets. Zero
	// disables automatic clearing.
	ClearInterval time.Duration
	// MaxParallel bounds concurrent clearing rounds (default 8).
	MaxParallel int
}

// Scheduler closes markets whose closing date has passed and, when
// configured, clears all open markets on a fixed cadence.
type Scheduler struct {
	markets MarketLister
	engine  Engine
	cfg     Config
}

// NewScheduler creates a scheduler. Run starts it.
func NewScheduler(markets MarketLister, engine Engine, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &Scheduler{markets: markets, engine: engine, cfg: cfg}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.Interval)
	defer sweep.Stop()

	var clearC <-chan time.Time
	if s.cfg.ClearInterval > 0 {
		t := time.NewTicker(s.cfg.ClearInterval)
		defer t.Stop()
		clearC = t.C
	}

	slog.Info("lifecycle scheduler started",
		"interval", s.cfg.Interval.String(),
		"clear_interval", s.cfg.ClearInterval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle scheduler stopped")
			return
		case <-sweep.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("lifecycle sweep failed", "err", err)
			}
		case <-clearC:
			if err := s.ClearOpen(ctx); err != nil {
				slog.Error("scheduled clearing failed", "err", err)
			}
		}
	}
}

// Sweep closes every due market and returns the IDs still open.
func (s *Scheduler) Sweep(ctx context.Context) ([]string, error) {
	markets, err := s.markets.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list markets: %w", err)
	}

	var (
		open []string
		errs []error
	)
	for _, m := range markets {
		if m.Status == model.MarketClosed {
			continue
		}
		after, err := s.engine.CloseIfDue(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if after.Status == model.MarketOpen {
			open = append(open, m.ID)
		}
	}
	metrics.ActiveMarkets.Set(float64(len(open)))
	return open, errors.Join(errs...)
}

// ClearOpen closes due markets, then runs one clearing round on every
// market still open, in parallel.
func (s *Scheduler) ClearOpen(ctx context.Context) error {
	open, sweepErr := s.Sweep(ctx)

	p := pool.New().WithErrors().WithMaxGoroutines(s.cfg.MaxParallel)
	for _, id := range open {
		id := id
		p.Go(func() error {
			_, err := s.engine.ClearMarket(ctx, id)
			return err
		})
	}
	return errors.Join(sweepErr, p.Wait())
}
