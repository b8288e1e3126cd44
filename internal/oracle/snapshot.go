package oracle

import (
	"time"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

// Snapshot is a set of oracle records read at one instant. All prices used
// for one portfolio evaluation come from the same snapshot, so equity is
// never computed from a mix of stale and fresh prices.
type Snapshot struct {
	at      time.Time
	limits  Limits
	records map[model.Key]model.PriceOracle
}

func newSnapshot(at time.Time, limits Limits) *Snapshot {
	return &Snapshot{
		at:      at,
		limits:  limits,
		records: make(map[model.Key]model.PriceOracle),
	}
}

// NewSnapshot builds a snapshot from explicit records.
func NewSnapshot(at time.Time, limits Limits, records ...model.PriceOracle) *Snapshot {
	s := newSnapshot(at, limits)
	for _, r := range records {
		s.records[r.Instrument] = r
	}
	return s
}

// At returns the evaluation instant.
func (s *Snapshot) At() time.Time { return s.at }

// Len returns the number of oracle records held.
func (s *Snapshot) Len() int { return len(s.records) }

// Price returns the validated price of instrument.
func (s *Snapshot) Price(instrument model.Key) (fixed.Value, error) {
	o, ok := s.records[instrument]
	if !ok {
		return 0, &PriceError{Instrument: instrument, Err: ErrUnknownInstrument}
	}
	if err := check(&o, s.at, s.limits); err != nil {
		return 0, &PriceError{Instrument: instrument, Err: err}
	}
	return o.Price, nil
}
