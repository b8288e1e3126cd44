package liquidation

import (
	"fmt"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
)

// sizingRounds bounds how often the fraction is nudged up to absorb
// rounding before the policy settles.
const sizingRounds = 8

// Policy decides how much of a portfolio to close.
//
// The target health after liquidation is BufferRatio * mm (pre-liquidation
// maintenance margin). Closing at the mark leaves equity unchanged and
// lowers mm by the closed share of each line, so closing a fraction
//
//	f = (mm - (equity - target)) / mm
//
// of every line reaches the target. With PreferSingle, a single line whose
// maintenance margin covers the whole reduction is closed on its own.
// When equity does not exceed the target, everything is closed.
type Policy struct {
	BufferRatio  fixed.Value
	PreferSingle bool
}

// DefaultPolicy keeps a 10% maintenance buffer and closes a single dominant
// line when it suffices, proportionally otherwise.
var DefaultPolicy = Policy{BufferRatio: fixed.MustParse("0.1"), PreferSingle: true}

// Plan is a sized closeout and its projected outcome at the same prices.
type Plan struct {
	Deltas []model.ExposureDelta

	// Full is set when every exposure is closed.
	Full bool

	// Partial is set when maxSize capped the closeout below what the
	// policy asked for.
	Partial bool

	Target      fixed.Value
	Pre         model.Derived
	Projected   model.Derived
	RealizedPnL fixed.Value
	BadDebt     fixed.Value
}

// Size plans the closeout of p at prices. maxSize, when set, caps the sum of
// the absolute deltas; the capped plan may leave health below zero.
func (pol Policy) Size(p *model.Portfolio, prices risk.PriceLookup, maxSize *fixed.Value) (*Plan, error) {
	pre, lines, err := risk.EvaluateLines(p, prices)
	if err != nil {
		return nil, err
	}
	if !pre.Liquidatable() {
		return nil, ErrNotLiquidatable
	}
	if maxSize != nil && !maxSize.IsPositive() {
		return nil, fmt.Errorf("%w: max size %s", ErrNothingToClose, *maxSize)
	}

	target, err := pre.MM.MulCeil(fixed.Max(pol.BufferRatio, fixed.Zero))
	if err != nil {
		return nil, err
	}
	deltas, err := pol.deltas(p, prices, pre, lines, target)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Target: target, Pre: pre}
	if maxSize != nil {
		capped, ok, err := capDeltas(deltas, *maxSize)
		if err != nil {
			return nil, err
		}
		if ok {
			deltas, plan.Partial = capped, true
		}
	}
	if len(deltas) == 0 {
		return nil, ErrNothingToClose
	}

	closed, projected, err := project(p, prices, deltas)
	if err != nil {
		return nil, err
	}
	plan.Deltas = deltas
	plan.Full = len(closed.Portfolio.Exposures) == 0
	plan.Projected = projected
	plan.RealizedPnL = closed.RealizedPnL
	plan.BadDebt = closed.BadDebt
	return plan, nil
}

func (pol Policy) deltas(p *model.Portfolio, prices risk.PriceLookup, pre model.Derived, lines []risk.Line, target fixed.Value) ([]model.ExposureDelta, error) {
	all := openLines(lines)

	avail, err := pre.Equity.Sub(target)
	if err != nil {
		return nil, err
	}
	if !avail.IsPositive() || pre.MM.IsZero() {
		return fractionDeltas(lines, all, fixed.One)
	}
	need, err := pre.MM.Sub(avail)
	if err != nil {
		return nil, err
	}

	sel, base := all, pre.MM
	if pol.PreferSingle {
		if i := dominant(lines); i >= 0 && lines[i].MM >= need && !shadowed(lines, i) {
			sel, base = []int{i}, lines[i].MM
		}
	}

	f, err := need.DivCeil(base)
	if err != nil {
		return nil, err
	}
	for round := 0; ; round++ {
		f = fixed.Min(f, fixed.One)
		deltas, err := fractionDeltas(lines, sel, f)
		if err != nil {
			return nil, err
		}
		_, projected, err := project(p, prices, deltas)
		if err != nil {
			return nil, err
		}
		if projected.Health >= target || round == sizingRounds {
			return deltas, nil
		}
		if f == fixed.One {
			if len(sel) == len(all) {
				return deltas, nil
			}
			// The single line could not carry the reduction after
			// rounding; spread it over every line instead.
			sel, base = all, pre.MM
			if f, err = need.DivCeil(base); err != nil {
				return nil, err
			}
			continue
		}

		shortfall, err := target.Sub(projected.Health)
		if err != nil {
			return nil, err
		}
		step, err := shortfall.DivCeil(base)
		if err != nil {
			return nil, err
		}
		if f, err = f.Add(fixed.Max(step, fixed.FromRaw(1))); err != nil {
			return nil, err
		}
	}
}

// openLines returns the indices of lines with a nonzero size.
func openLines(lines []risk.Line) []int {
	out := make([]int, 0, len(lines))
	for i, l := range lines {
		if !l.Exposure.Size.IsZero() {
			out = append(out, i)
		}
	}
	return out
}

// dominant returns the open line with the largest maintenance margin, the
// first one on ties, or -1.
func dominant(lines []risk.Line) int {
	best := -1
	for i, l := range lines {
		if l.Exposure.Size.IsZero() {
			continue
		}
		if best < 0 || l.MM > lines[best].MM {
			best = i
		}
	}
	return best
}

// shadowed reports whether an earlier open line has the same instrument as
// line i. Deltas match the first open line of their instrument, so such a
// line cannot be targeted alone.
func shadowed(lines []risk.Line, i int) bool {
	for j := 0; j < i; j++ {
		if lines[j].Exposure.Instrument == lines[i].Exposure.Instrument && !lines[j].Exposure.Size.IsZero() {
			return true
		}
	}
	return false
}

// fractionDeltas closes fraction f of each selected line, rounded up and
// capped at the line size.
func fractionDeltas(lines []risk.Line, sel []int, f fixed.Value) ([]model.ExposureDelta, error) {
	out := make([]model.ExposureDelta, 0, len(sel))
	for _, i := range sel {
		e := lines[i].Exposure
		mag, err := e.Size.Abs()
		if err != nil {
			return nil, err
		}
		amt, err := mag.MulCeil(f)
		if err != nil {
			return nil, err
		}
		out = append(out, closing(e, fixed.Min(amt, mag)))
	}
	return out, nil
}

// closing returns the delta that reduces e by amount (amount > 0).
func closing(e model.Exposure, amount fixed.Value) model.ExposureDelta {
	if e.Size.IsPositive() {
		return model.ExposureDelta{Instrument: e.Instrument, Delta: -amount}
	}
	return model.ExposureDelta{Instrument: e.Instrument, Delta: amount}
}

// capDeltas scales deltas down so that Σ|delta| <= maxSize. It reports
// whether scaling was needed. Deltas that round to zero are dropped along
// with later deltas of the same instrument.
func capDeltas(deltas []model.ExposureDelta, maxSize fixed.Value) ([]model.ExposureDelta, bool, error) {
	total := fixed.Zero
	for _, d := range deltas {
		mag, err := d.Delta.Abs()
		if err != nil {
			return nil, false, err
		}
		if total, err = total.Add(mag); err != nil {
			return nil, false, err
		}
	}
	if total <= maxSize {
		return deltas, false, nil
	}

	scale, err := maxSize.Div(total)
	if err != nil {
		return nil, false, err
	}
	dropped := make(map[model.Key]bool)
	out := make([]model.ExposureDelta, 0, len(deltas))
	for _, d := range deltas {
		if dropped[d.Instrument] {
			continue
		}
		v, err := d.Delta.Mul(scale)
		if err != nil {
			return nil, false, err
		}
		if v.IsZero() {
			dropped[d.Instrument] = true
			continue
		}
		out = append(out, model.ExposureDelta{Instrument: d.Instrument, Delta: v})
	}
	return out, true, nil
}

// project applies deltas at prices and evaluates the result.
func project(p *model.Portfolio, prices risk.PriceLookup, deltas []model.ExposureDelta) (*risk.Closed, model.Derived, error) {
	closed, err := risk.ApplyCloseout(p, prices, deltas)
	if err != nil {
		return nil, model.Derived{}, err
	}
	d, err := risk.Evaluate(closed.Portfolio, prices)
	if err != nil {
		return nil, model.Derived{}, err
	}
	return closed, d, nil
}
