package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

func TestApplyCloseout_PartialRealizesIntoCollateral(t *testing.T) {
	p := longX()
	px := prices{instX: n(95)}

	closed, err := ApplyCloseout(p, px, []model.ExposureDelta{{Instrument: instX, Delta: n(-4)}})
	require.NoError(t, err)

	// 4 closed at 95 against entry 90 realizes +20.
	assert.Equal(t, n(20), closed.RealizedPnL)
	assert.Equal(t, n(70), closed.Portfolio.Collateral)
	assert.Equal(t, n(6), closed.Portfolio.Exposures[0].Size)
	assert.True(t, closed.BadDebt.IsZero())

	// Equity is unchanged by closing at the mark.
	before, err := Evaluate(p, px)
	require.NoError(t, err)
	after, err := Evaluate(closed.Portfolio, px)
	require.NoError(t, err)
	assert.Equal(t, before.Equity, after.Equity)
	assert.Less(t, int64(after.MM), int64(before.MM))

	// The input portfolio is not mutated.
	assert.Equal(t, n(10), p.Exposures[0].Size)
}

func TestApplyCloseout_FullCloseRemovesLineAndReportsBadDebt(t *testing.T) {
	closed, err := ApplyCloseout(longX(), prices{instX: n(80)},
		[]model.ExposureDelta{{Instrument: instX, Delta: n(-10)}})
	require.NoError(t, err)

	assert.Empty(t, closed.Portfolio.Exposures)
	assert.Equal(t, n(-100), closed.RealizedPnL)
	assert.True(t, closed.Portfolio.Collateral.IsZero())
	assert.Equal(t, n(50), closed.BadDebt)
}

func TestApplyCloseout_Short(t *testing.T) {
	p := longX()
	p.Exposures[0].Size = n(-10)

	closed, err := ApplyCloseout(p, prices{instX: n(100)},
		[]model.ExposureDelta{{Instrument: instX, Delta: n(5)}})
	require.NoError(t, err)
	assert.Equal(t, n(-5), closed.Portfolio.Exposures[0].Size)
	assert.Equal(t, n(-50), closed.RealizedPnL)
	assert.True(t, closed.Portfolio.Collateral.IsZero())
	assert.Equal(t, fixed.Zero, closed.BadDebt)
}

func TestApplyCloseout_InvalidDeltas(t *testing.T) {
	tests := []struct {
		name  string
		delta model.ExposureDelta
	}{
		{"same sign", model.ExposureDelta{Instrument: instX, Delta: n(1)}},
		{"zero", model.ExposureDelta{Instrument: instX}},
		{"flips position", model.ExposureDelta{Instrument: instX, Delta: n(-11)}},
		{"unknown line", model.ExposureDelta{Instrument: model.SymbolKey("Y"), Delta: n(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyCloseout(longX(), prices{instX: n(100)}, []model.ExposureDelta{tt.delta})
			assert.ErrorIs(t, err, ErrInvalidDelta)
		})
	}
}
