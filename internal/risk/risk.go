// Package risk computes the margin figures of a portfolio at given prices.
//
// Evaluation is a pure function: it reads the portfolio and a price lookup
// and returns equity, initial margin, maintenance margin, health and free
// collateral. Nothing is cached or written.
//
//	pnl_i    = size_i * (price_i - entry_i)
//	equity   = collateral + Σ pnl_i
//	im       = Σ |size_i| * price_i * rw_initial_i
//	mm       = Σ |size_i| * price_i * rw_maintenance_i
//	health   = equity - mm
//	free     = equity - im
//
// Margin terms round away from zero so requirements are never understated.
package risk

import (
	"errors"
	"fmt"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

// ErrInvalidRiskWeights is returned when a weight is negative or the
// maintenance weight exceeds the initial weight.
var ErrInvalidRiskWeights = errors.New("risk: invalid risk weights")

// PriceLookup supplies the current validated price of an instrument.
// *oracle.Snapshot implements it.
type PriceLookup interface {
	Price(instrument model.Key) (fixed.Value, error)
}

// Line is the per-exposure breakdown of an evaluation.
type Line struct {
	Exposure model.Exposure
	Price    fixed.Value
	PnL      fixed.Value
	Notional fixed.Value
	IM       fixed.Value
	MM       fixed.Value
}

// Evaluate derives the risk figures of p at prices. Any price lookup error
// aborts the evaluation: a portfolio is never partially priced.
func Evaluate(p *model.Portfolio, prices PriceLookup) (model.Derived, error) {
	d, _, err := EvaluateLines(p, prices)
	return d, err
}

// EvaluateLines is Evaluate plus the per-exposure breakdown, in exposure
// order.
func EvaluateLines(p *model.Portfolio, prices PriceLookup) (model.Derived, []Line, error) {
	var d model.Derived
	equity := p.Collateral
	im, mm := fixed.Zero, fixed.Zero
	lines := make([]Line, 0, len(p.Exposures))

	for i, e := range p.Exposures {
		price, err := prices.Price(e.Instrument)
		if err != nil {
			return d, nil, fmt.Errorf("exposure %d: %w", i, err)
		}
		line, err := Contribution(e, price)
		if err != nil {
			return d, nil, fmt.Errorf("exposure %d (%s): %w", i, e.Instrument, err)
		}

		if equity, err = equity.Add(line.PnL); err != nil {
			return d, nil, fmt.Errorf("exposure %d equity: %w", i, err)
		}
		if im, err = im.Add(line.IM); err != nil {
			return d, nil, fmt.Errorf("exposure %d im: %w", i, err)
		}
		if mm, err = mm.Add(line.MM); err != nil {
			return d, nil, fmt.Errorf("exposure %d mm: %w", i, err)
		}
		lines = append(lines, line)
	}

	health, err := equity.Sub(mm)
	if err != nil {
		return d, nil, fmt.Errorf("health: %w", err)
	}
	free, err := equity.Sub(im)
	if err != nil {
		return d, nil, fmt.Errorf("free collateral: %w", err)
	}

	d = model.Derived{
		Equity:         equity,
		IM:             im,
		MM:             mm,
		Health:         health,
		FreeCollateral: free,
	}
	return d, lines, nil
}

// Contribution computes one exposure's pnl and margin terms at price.
func Contribution(e model.Exposure, price fixed.Value) (Line, error) {
	line := Line{Exposure: e, Price: price}
	if e.RiskWeightInitial.IsNegative() || e.RiskWeightMaintenance.IsNegative() ||
		e.RiskWeightMaintenance > e.RiskWeightInitial {
		return line, fmt.Errorf("%w: initial %s, maintenance %s",
			ErrInvalidRiskWeights, e.RiskWeightInitial, e.RiskWeightMaintenance)
	}

	var err error
	if line.PnL, err = UnrealizedPnL(e, price); err != nil {
		return line, err
	}
	size, err := e.Size.Abs()
	if err != nil {
		return line, err
	}
	if line.Notional, err = size.MulCeil(price); err != nil {
		return line, err
	}
	if line.IM, err = line.Notional.MulCeil(e.RiskWeightInitial); err != nil {
		return line, err
	}
	if line.MM, err = line.Notional.MulCeil(e.RiskWeightMaintenance); err != nil {
		return line, err
	}
	return line, nil
}

// UnrealizedPnL returns size * (price - entry). Positive sizes gain when
// the price rises; negative sizes gain when it falls.
func UnrealizedPnL(e model.Exposure, price fixed.Value) (fixed.Value, error) {
	move, err := price.Sub(e.EntryPrice)
	if err != nil {
		return 0, err
	}
	return e.Size.Mul(move)
}
