package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/store"
)

const ledgerAttempts = 5

// Ledger is an in-process router that applies closeouts directly to the
// account store. The health re-check and the write are one
// compare-and-swap, so of two racing liquidators only one can act on a
// given account state; the other re-checks against the new state.
type Ledger struct {
	store   store.Store
	feed    *oracle.Feed
	allowed map[string]bool
	now     func() time.Time
}

// NewLedger creates a ledger router. If liquidators is empty, any
// liquidator may submit.
func NewLedger(st store.Store, feed *oracle.Feed, liquidators []string) *Ledger {
	allowed := make(map[string]bool, len(liquidators))
	for _, l := range liquidators {
		allowed[l] = true
	}
	return &Ledger{store: st, feed: feed, allowed: allowed, now: time.Now}
}

// WithClock overrides the clock used for price freshness.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Submit(ctx context.Context, c Closeout) (*Result, error) {
	if len(l.allowed) > 0 && !l.allowed[c.Liquidator] {
		return rejected(RejectUnauthorized, fmt.Sprintf("liquidator %q is not allowed", c.Liquidator)), nil
	}

	for attempt := 0; attempt < ledgerAttempts; attempt++ {
		acct, err := l.store.GetAccount(ctx, c.Portfolio)
		if errors.Is(err, store.ErrNotFound) {
			return rejected(RejectPrecondition, "account closed"), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkFault, err)
		}

		p, err := account.DecodePortfolio(c.Portfolio, acct.Data)
		if err != nil {
			return rejected(RejectMalformed, err.Error()), nil
		}

		now := l.now()
		snap, err := l.feed.Snapshot(ctx, p.Instruments(), now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkFault, err)
		}
		pre, err := risk.Evaluate(p, snap)
		if err != nil {
			return rejected(RejectUnpriced, err.Error()), nil
		}
		if !pre.Liquidatable() {
			return rejected(RejectPrecondition, fmt.Sprintf("health %s is not negative", pre.Health)), nil
		}

		closed, err := risk.ApplyCloseout(p, snap, c.Deltas)
		if err != nil {
			return rejected(RejectInvalidDelta, err.Error()), nil
		}
		post, err := risk.Evaluate(closed.Portfolio, snap)
		if err != nil {
			return rejected(RejectOther, err.Error()), nil
		}
		data, err := account.EncodePortfolio(closed.Portfolio, &post)
		if err != nil {
			return rejected(RejectOther, err.Error()), nil
		}

		ok, err := l.store.CompareAndSwap(ctx, c.Portfolio, acct.Data, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkFault, err)
		}
		if !ok {
			slog.Debug("ledger closeout lost swap, re-checking",
				"portfolio", c.Portfolio.String(),
				"attempt", attempt+1,
			)
			continue
		}

		if closed.BadDebt.IsPositive() {
			slog.Warn("closeout left bad debt",
				"portfolio", c.Portfolio.String(),
				"bad_debt", closed.BadDebt.String(),
			)
		}
		return &Result{
			Accepted:    true,
			PreHealth:   pre.Health,
			PostHealth:  post.Health,
			RealizedPnL: closed.RealizedPnL,
			BadDebt:     closed.BadDebt,
			AppliedAt:   now.UTC(),
		}, nil
	}
	return nil, ErrConflict
}
