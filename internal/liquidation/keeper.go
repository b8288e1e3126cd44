package liquidation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-engine/internal/model"
)

// KeeperConfig configures a Keeper.
type KeeperConfig struct {
	Interval     time.Duration
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c KeeperConfig) withDefaults() KeeperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Outcome is what happened to one candidate in a keeper pass.
type Outcome struct {
	Portfolio model.Key
	Class     Class
	Attempts  int
	Event     *model.LiquidationEvent
	Err       error
}

// KeeperReport summarizes one keeper pass.
type KeeperReport struct {
	Candidates int
	Unpriced   int
	Outcomes   []Outcome // candidate order
}

// Count returns the number of outcomes of class c.
func (r *KeeperReport) Count(c Class) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Class == c {
			n++
		}
	}
	return n
}

// Keeper runs scan then liquidate on a timer.
type Keeper struct {
	scanner  *Scanner
	executor *Executor
	cfg      KeeperConfig
}

// NewKeeper creates a keeper.
func NewKeeper(scanner *Scanner, executor *Executor, cfg KeeperConfig) *Keeper {
	return &Keeper{scanner: scanner, executor: executor, cfg: cfg.withDefaults()}
}

// Run executes a pass every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	slog.Info("keeper started",
		"interval", k.cfg.Interval.String(),
		"concurrency", k.cfg.Concurrency,
		"max_attempts", k.cfg.MaxAttempts,
	)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := k.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("keeper pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce scans and liquidates the candidates, most underwater first, with
// at most Concurrency attempts in flight.
func (k *Keeper) RunOnce(ctx context.Context) (*KeeperReport, error) {
	scan, err := k.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	report := &KeeperReport{
		Candidates: len(scan.Candidates),
		Unpriced:   len(scan.Unpriced),
		Outcomes:   make([]Outcome, len(scan.Candidates)),
	}
	for _, u := range scan.Unpriced {
		slog.Warn("portfolio could not be priced", "portfolio", u.Address.String(), "error", u.Err)
	}
	if len(scan.Candidates) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)

	i := 0
	for c := range scan.All() {
		idx, addr := i, c.Portfolio.Address
		i++
		g.Go(func() error {
			out := k.attempt(gctx, addr)
			mu.Lock()
			report.Outcomes[idx] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

func (k *Keeper) attempt(ctx context.Context, addr model.Key) Outcome {
	out := Outcome{Portfolio: addr}
	for out.Attempts < k.cfg.MaxAttempts {
		out.Attempts++
		out.Event, out.Err = k.executor.Liquidate(ctx, addr, nil)
		out.Class = Classify(out.Err)

		log := slog.With(
			"portfolio", addr.String(),
			"attempt", out.Attempts,
			"outcome", out.Class.String(),
		)
		switch {
		case out.Class == ClassOK:
			return out
		case out.Class.Benign():
			log.Info("liquidation skipped", "reason", out.Err)
		case out.Class.Retry():
			log.Warn("liquidation attempt failed, retrying", "error", out.Err)
		default:
			log.Error("liquidation failed", "error", out.Err)
			return out
		}
		if !out.Class.Retry() {
			return out
		}

		if k.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				out.Err, out.Class = ctx.Err(), ClassFatal
				return out
			case <-time.After(k.cfg.RetryBackoff):
			}
		}
	}
	return out
}
