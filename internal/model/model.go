// Package model defines the core domain types shared across the risk engine.
// All prices, sizes and margins are fixed.Value, never float64.
package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/risk-engine/internal/fixed"
)

// MaxExposures bounds the number of open lines in one portfolio.
const MaxExposures = 16

// KeySize is the byte length of an identity.
const KeySize = 32

// Key identifies a user, an instrument, an authority or an account address.
type Key [KeySize]byte

// SymbolKey builds a key from a short symbol such as "BTC-PERP".
// Symbols longer than KeySize are truncated.
func SymbolKey(symbol string) Key {
	var k Key
	copy(k[:], symbol)
	return k
}

// ParseKey decodes a 64-character hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("model: invalid key %q: %w", s, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("model: invalid key %q: want %d bytes, got %d", s, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (k Key) IsZero() bool { return k == Key{} }

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PriceOracle is the single current price record for one instrument.
// Only Authority may update it; Timestamp never decreases.
type PriceOracle struct {
	Authority  Key         `json:"authority"`
	Instrument Key         `json:"instrument"`
	Price      fixed.Value `json:"price"`
	Timestamp  int64       `json:"timestamp"`  // unix seconds
	Confidence fixed.Value `json:"confidence"` // interval width, >= 0
	Active     bool        `json:"active"`
}

// Exposure is one open position line within a portfolio.
type Exposure struct {
	Instrument            Key         `json:"instrument"`
	Size                  fixed.Value `json:"size"` // signed: +long, -short
	EntryPrice            fixed.Value `json:"entry_price"`
	RiskWeightInitial     fixed.Value `json:"risk_weight_initial"`
	RiskWeightMaintenance fixed.Value `json:"risk_weight_maintenance"`
}

// Portfolio is a user's collateral plus its open exposures.
// Derived figures are never stored here; see Derived.
type Portfolio struct {
	Address    Key         `json:"address"`
	User       Key         `json:"user"`
	Collateral fixed.Value `json:"collateral"`
	Exposures  []Exposure  `json:"exposures"`
}

// Instruments returns the distinct instruments referenced by the portfolio,
// in exposure order.
func (p *Portfolio) Instruments() []Key {
	seen := make(map[Key]bool, len(p.Exposures))
	out := make([]Key, 0, len(p.Exposures))
	for _, e := range p.Exposures {
		if !seen[e.Instrument] {
			seen[e.Instrument] = true
			out = append(out, e.Instrument)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Exposures = append([]Exposure(nil), p.Exposures...)
	return &c
}

// Derived holds the risk figures computed from a portfolio and prices.
//
//	equity = collateral + Σ pnl
//	health = equity - mm
//	free_collateral = equity - im
type Derived struct {
	Equity         fixed.Value `json:"equity"`
	IM             fixed.Value `json:"im"`
	MM             fixed.Value `json:"mm"`
	Health         fixed.Value `json:"health"`
	FreeCollateral fixed.Value `json:"free_collateral"`
}

// Liquidatable reports whether health is below zero.
func (d Derived) Liquidatable() bool {
	return d.Health.IsNegative()
}

// ExposureDelta is a signed size change for one instrument line.
// Closeout deltas always have the opposite sign of the exposure size.
type ExposureDelta struct {
	Instrument Key         `json:"instrument"`
	Delta      fixed.Value `json:"delta"`
}

// LiquidationEvent records one accepted liquidation for audit and display.
type LiquidationEvent struct {
	ID              uuid.UUID       `json:"id"`
	Portfolio       Key             `json:"portfolio"`
	User            Key             `json:"user"`
	PreHealth       fixed.Value     `json:"pre_health"`
	PostHealth      fixed.Value     `json:"post_health"`
	ExposuresClosed []ExposureDelta `json:"exposures_closed"`
	RealizedPnL     fixed.Value     `json:"realized_pnl"`
	RealizedLoss    fixed.Value     `json:"realized_loss"`
	Partial         bool            `json:"partial"`
	Liquidator      string          `json:"liquidator"`
	Timestamp       time.Time       `json:"timestamp"`
}
