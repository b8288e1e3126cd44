package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/router"
	"github.com/atmx/risk-engine/internal/store"
)

// EventSink receives accepted liquidations.
type EventSink interface {
	Publish(ctx context.Context, ev model.LiquidationEvent) error
}

// Executor liquidates one portfolio at a time. It is safe for concurrent
// use.
type Executor struct {
	store      store.Store
	feed       *oracle.Feed
	router     router.Router
	policy     Policy
	sink       EventSink
	liquidator string
	now        func() time.Time
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Policy     Policy
	Liquidator string
	Sink       EventSink // optional
}

// NewExecutor creates an executor.
func NewExecutor(st store.Store, feed *oracle.Feed, r router.Router, cfg ExecutorConfig) *Executor {
	return &Executor{
		store:      st,
		feed:       feed,
		router:     r,
		policy:     cfg.Policy,
		sink:       cfg.Sink,
		liquidator: cfg.Liquidator,
		now:        time.Now,
	}
}

// WithClock overrides the clock used for price freshness.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Liquidate re-checks the portfolio at addr and, if it is still
// liquidatable, submits a sized closeout. maxSize optionally caps the total
// closed size.
//
// ErrNotLiquidatable and ErrRaceLost are informational outcomes; use
// Classify to tell them from failures. Nothing is submitted if ctx is done
// before the router call.
func (e *Executor) Liquidate(ctx context.Context, addr model.Key, maxSize *fixed.Value) (*model.LiquidationEvent, error) {
	start := time.Now()
	ev, err := e.liquidate(ctx, addr, maxSize)
	metrics.LiquidationsTotal.WithLabelValues(Classify(err).String()).Inc()
	metrics.LiquidationLatency.Observe(time.Since(start).Seconds())
	return ev, err
}

func (e *Executor) liquidate(ctx context.Context, addr model.Key, maxSize *fixed.Value) (*model.LiquidationEvent, error) {
	// GetAccounts reads the primary store; a cached copy may predate the
	// last closeout.
	accts, err := e.store.GetAccounts(ctx, []model.Key{addr})
	if err != nil {
		return nil, stageErr(StageFetch, addr, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	data, ok := accts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s is closed", ErrNotLiquidatable, addr)
	}
	p, err := account.DecodePortfolio(addr, data)
	if err != nil {
		return nil, stageErr(StageDecode, addr, err)
	}

	snap, err := e.feed.Snapshot(ctx, p.Instruments(), e.now())
	if err != nil {
		return nil, stageErr(StagePrice, addr, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	pre, err := risk.Evaluate(p, snap)
	if err != nil {
		var pe *oracle.PriceError
		if errors.As(err, &pe) {
			return nil, stageErr(StagePrice, addr, err)
		}
		return nil, stageErr(StageEvaluate, addr, err)
	}
	if !pre.Liquidatable() {
		return nil, fmt.Errorf("%w: portfolio %s health %s", ErrNotLiquidatable, addr, pre.Health)
	}

	plan, err := e.policy.Size(p, snap, maxSize)
	if err != nil {
		return nil, stageErr(StageSize, addr, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageSubmit, addr, err)
	}
	res, err := e.router.Submit(ctx, router.Closeout{
		Portfolio:  addr,
		Deltas:     plan.Deltas,
		Liquidator: e.liquidator,
		PreHealth:  pre.Health,
	})
	if err != nil {
		return nil, stageErr(StageSubmit, addr, err)
	}
	if !res.Accepted {
		if res.Reason == router.RejectPrecondition {
			return nil, fmt.Errorf("%w: portfolio %s: %s", ErrRaceLost, addr, res.Detail)
		}
		return nil, stageErr(StageSubmit, addr, &RejectedError{Reason: res.Reason, Detail: res.Detail})
	}

	ev, err := e.event(p, plan, res)
	if err != nil {
		return nil, stageErr(StageSubmit, addr, err)
	}
	slog.Info("portfolio liquidated",
		"portfolio", addr.String(),
		"pre_health", ev.PreHealth.String(),
		"post_health", ev.PostHealth.String(),
		"realized_pnl", ev.RealizedPnL.String(),
		"partial", ev.Partial,
		"liquidator", e.liquidator,
	)

	if e.sink != nil {
		// The closeout is applied; publishing must not depend on the
		// caller still waiting.
		if err := e.sink.Publish(context.WithoutCancel(ctx), *ev); err != nil {
			slog.Error("failed to publish liquidation event", "portfolio", addr.String(), "error", err)
		}
	}
	return ev, nil
}

func (e *Executor) event(p *model.Portfolio, plan *Plan, res *router.Result) (*model.LiquidationEvent, error) {
	preHealth := res.PreHealth
	if preHealth.IsZero() {
		preHealth = plan.Pre.Health
	}
	at := res.AppliedAt
	if at.IsZero() {
		at = e.now().UTC()
	}
	loss := fixed.Zero
	if res.RealizedPnL.IsNegative() {
		neg, err := res.RealizedPnL.Neg()
		if err != nil {
			return nil, err
		}
		loss = neg
	}
	return &model.LiquidationEvent{
		ID:              uuid.New(),
		Portfolio:       p.Address,
		User:            p.User,
		PreHealth:       preHealth,
		PostHealth:      res.PostHealth,
		ExposuresClosed: plan.Deltas,
		RealizedPnL:     res.RealizedPnL,
		RealizedLoss:    loss,
		Partial:         plan.Partial,
		Liquidator:      e.liquidator,
		Timestamp:       at,
	}, nil
}
