package risk

import (
	"errors"
	"fmt"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

// ErrInvalidDelta is returned for a closeout delta that does not reduce an
// existing exposure line.
var ErrInvalidDelta = errors.New("risk: invalid closeout delta")

// Closed is a portfolio after a closeout was applied at current prices.
type Closed struct {
	Portfolio   *model.Portfolio
	RealizedPnL fixed.Value

	// BadDebt is the realized loss that collateral could not absorb.
	BadDebt fixed.Value
}

// ApplyCloseout reduces exposures by deltas, realizing the pnl of the closed
// size into collateral at prices. Each delta is matched to the first unused
// non-empty line of its instrument; it must have the opposite sign of the
// line size and must not exceed it. Fully closed lines are removed.
//
// Closing at the mark leaves equity unchanged except where collateral would
// go negative; that shortfall is reported as BadDebt.
func ApplyCloseout(p *model.Portfolio, prices PriceLookup, deltas []model.ExposureDelta) (*Closed, error) {
	next := p.Clone()
	used := make([]bool, len(next.Exposures))
	realized := fixed.Zero

	for i, d := range deltas {
		idx := -1
		for j, e := range next.Exposures {
			if !used[j] && e.Instrument == d.Instrument && !e.Size.IsZero() {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: delta %d: no open line for %s", ErrInvalidDelta, i, d.Instrument)
		}
		used[idx] = true

		e := &next.Exposures[idx]
		if d.Delta.IsZero() || d.Delta.Sign() == e.Size.Sign() {
			return nil, fmt.Errorf("%w: delta %d: %s does not reduce size %s", ErrInvalidDelta, i, d.Delta, e.Size)
		}
		remaining, err := e.Size.Add(d.Delta)
		if err != nil {
			return nil, err
		}
		if remaining.Sign() == -e.Size.Sign() {
			return nil, fmt.Errorf("%w: delta %d: %s exceeds size %s", ErrInvalidDelta, i, d.Delta, e.Size)
		}

		price, err := prices.Price(e.Instrument)
		if err != nil {
			return nil, fmt.Errorf("delta %d: %w", i, err)
		}
		closedSize, err := d.Delta.Neg()
		if err != nil {
			return nil, err
		}
		pnl, err := UnrealizedPnL(model.Exposure{Size: closedSize, EntryPrice: e.EntryPrice}, price)
		if err != nil {
			return nil, fmt.Errorf("delta %d: %w", i, err)
		}
		if realized, err = realized.Add(pnl); err != nil {
			return nil, err
		}
		e.Size = remaining
	}

	kept := next.Exposures[:0]
	for _, e := range next.Exposures {
		if !e.Size.IsZero() {
			kept = append(kept, e)
		}
	}
	next.Exposures = kept

	collateral, err := next.Collateral.Add(realized)
	if err != nil {
		return nil, err
	}
	badDebt := fixed.Zero
	if collateral.IsNegative() {
		if badDebt, err = collateral.Neg(); err != nil {
			return nil, err
		}
		collateral = fixed.Zero
	}
	next.Collateral = collateral

	return &Closed{Portfolio: next, RealizedPnL: realized, BadDebt: badDebt}, nil
}
