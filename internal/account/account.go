// Package account defines the byte-stable record layouts stored in the
// ledger and the checked decode step that turns untrusted bytes into
// domain types.
//
// Every record starts with an 8-byte little-endian magic and a version
// byte. Decoding verifies the exact record size, the magic, the version and
// the field invariants before any field is interpreted.
package account

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

// ErrMalformed is returned when a record does not match the expected layout.
var ErrMalformed = errors.New("account: malformed account data")

// Version is the only layout version this build reads and writes.
const Version uint8 = 0

var (
	// PortfolioMagic is "PORTFOLI" read as a little-endian uint64.
	PortfolioMagic = binary.LittleEndian.Uint64([]byte("PORTFOLI"))

	// OracleMagic is "PXORACLE" read as a little-endian uint64.
	OracleMagic = binary.LittleEndian.Uint64([]byte("PXORACLE"))
)

// Portfolio layout:
//
//	0    magic u64
//	8    version u8
//	9    exposure_count u8
//	10   reserved [6]
//	16   user [32]
//	48   collateral i64
//	56   exposure slots [MaxExposures]72
//	1208 cached summary: equity, im, mm, health, free_collateral (i64 each)
const (
	exposureSlotSize = 72
	portfolioSlots   = 56
	portfolioSummary = portfolioSlots + model.MaxExposures*exposureSlotSize

	// PortfolioSize is the exact byte length of a portfolio record.
	PortfolioSize = portfolioSummary + 5*8
)

// Oracle layout:
//
//	0   magic u64
//	8   version u8
//	9   flags u8 (bit 0: active)
//	10  authority [32]
//	42  instrument [32]
//	74  price i64
//	82  timestamp i64
//	90  confidence i64
//	98  reserved to 128
const (
	// OracleSize is the exact byte length of a price oracle record.
	OracleSize = 128

	oracleFlagActive = 1 << 0
)

// Kind classifies a raw record without fully decoding it.
type Kind int

const (
	KindUnknown Kind = iota
	KindPortfolio
	KindOracle
)

func (k Kind) String() string {
	switch k {
	case KindPortfolio:
		return "portfolio"
	case KindOracle:
		return "oracle"
	}
	return "unknown"
}

// KindOf peeks at the size and magic of a record.
func KindOf(data []byte) Kind {
	if len(data) < 8 {
		return KindUnknown
	}
	magic := binary.LittleEndian.Uint64(data)
	switch {
	case len(data) == PortfolioSize && magic == PortfolioMagic:
		return KindPortfolio
	case len(data) == OracleSize && magic == OracleMagic:
		return KindOracle
	}
	return KindUnknown
}

// OracleAddress derives the account address of an instrument's oracle.
func OracleAddress(instrument model.Key) model.Key {
	buf := make([]byte, 0, 6+model.KeySize)
	buf = append(buf, "oracle"...)
	buf = append(buf, instrument[:]...)
	return model.Key(blake2b.Sum256(buf))
}

// EncodePortfolio serializes a portfolio. summary, when non-nil, is written
// to the cached summary fields; readers never trust those fields.
func EncodePortfolio(p *model.Portfolio, summary *model.Derived) ([]byte, error) {
	if len(p.Exposures) > model.MaxExposures {
		return nil, fmt.Errorf("account: portfolio %s has %d exposures, max %d",
			p.Address, len(p.Exposures), model.MaxExposures)
	}

	buf := make([]byte, PortfolioSize)
	binary.LittleEndian.PutUint64(buf[0:], PortfolioMagic)
	buf[8] = Version
	buf[9] = uint8(len(p.Exposures))
	copy(buf[16:48], p.User[:])
	putValue(buf[48:], p.Collateral)

	for i, e := range p.Exposures {
		off := portfolioSlots + i*exposureSlotSize
		copy(buf[off:off+32], e.Instrument[:])
		putValue(buf[off+32:], e.Size)
		putValue(buf[off+40:], e.EntryPrice)
		putValue(buf[off+48:], e.RiskWeightInitial)
		putValue(buf[off+56:], e.RiskWeightMaintenance)
	}

	if summary != nil {
		off := portfolioSummary
		putValue(buf[off:], summary.Equity)
		putValue(buf[off+8:], summary.IM)
		putValue(buf[off+16:], summary.MM)
		putValue(buf[off+24:], summary.Health)
		putValue(buf[off+32:], summary.FreeCollateral)
	}
	return buf, nil
}

// DecodePortfolio validates and decodes a portfolio record stored at addr.
func DecodePortfolio(addr model.Key, data []byte) (*model.Portfolio, error) {
	if len(data) != PortfolioSize {
		return nil, fmt.Errorf("%w: %s: size %d, want %d", ErrMalformed, addr, len(data), PortfolioSize)
	}
	if magic := binary.LittleEndian.Uint64(data); magic != PortfolioMagic {
		return nil, fmt.Errorf("%w: %s: magic %#x is not a portfolio", ErrMalformed, addr, magic)
	}
	if data[8] != Version {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrMalformed, addr, data[8])
	}
	count := int(data[9])
	if count > model.MaxExposures {
		return nil, fmt.Errorf("%w: %s: exposure count %d exceeds %d", ErrMalformed, addr, count, model.MaxExposures)
	}

	p := &model.Portfolio{
		Address:    addr,
		Collateral: getValue(data[48:]),
		Exposures:  make([]model.Exposure, 0, count),
	}
	copy(p.User[:], data[16:48])
	if p.Collateral.IsNegative() {
		return nil, fmt.Errorf("%w: %s: negative collateral %s", ErrMalformed, addr, p.Collateral)
	}

	for i := 0; i < count; i++ {
		off := portfolioSlots + i*exposureSlotSize
		var e model.Exposure
		copy(e.Instrument[:], data[off:off+32])
		e.Size = getValue(data[off+32:])
		e.EntryPrice = getValue(data[off+40:])
		e.RiskWeightInitial = getValue(data[off+48:])
		e.RiskWeightMaintenance = getValue(data[off+56:])

		switch {
		case e.Instrument.IsZero():
			return nil, fmt.Errorf("%w: %s: exposure %d has no instrument", ErrMalformed, addr, i)
		case e.RiskWeightMaintenance.IsNegative() || e.RiskWeightInitial.IsNegative():
			return nil, fmt.Errorf("%w: %s: exposure %d has a negative risk weight", ErrMalformed, addr, i)
		case e.RiskWeightMaintenance > e.RiskWeightInitial:
			return nil, fmt.Errorf("%w: %s: exposure %d maintenance weight %s above initial %s",
				ErrMalformed, addr, i, e.RiskWeightMaintenance, e.RiskWeightInitial)
		}
		p.Exposures = append(p.Exposures, e)
	}
	return p, nil
}

// EncodeOracle serializes a price oracle record.
func EncodeOracle(o *model.PriceOracle) []byte {
	buf := make([]byte, OracleSize)
	binary.LittleEndian.PutUint64(buf[0:], OracleMagic)
	buf[8] = Version
	if o.Active {
		buf[9] |= oracleFlagActive
	}
	copy(buf[10:42], o.Authority[:])
	copy(buf[42:74], o.Instrument[:])
	putValue(buf[74:], o.Price)
	binary.LittleEndian.PutUint64(buf[82:], uint64(o.Timestamp))
	putValue(buf[90:], o.Confidence)
	return buf
}

// DecodeOracle validates and decodes a price oracle record.
func DecodeOracle(data []byte) (*model.PriceOracle, error) {
	if len(data) != OracleSize {
		return nil, fmt.Errorf("%w: oracle size %d, want %d", ErrMalformed, len(data), OracleSize)
	}
	if magic := binary.LittleEndian.Uint64(data); magic != OracleMagic {
		return nil, fmt.Errorf("%w: magic %#x is not an oracle", ErrMalformed, magic)
	}
	if data[8] != Version {
		return nil, fmt.Errorf("%w: unsupported oracle version %d", ErrMalformed, data[8])
	}

	o := &model.PriceOracle{
		Active:     data[9]&oracleFlagActive != 0,
		Price:      getValue(data[74:]),
		Timestamp:  int64(binary.LittleEndian.Uint64(data[82:])),
		Confidence: getValue(data[90:]),
	}
	copy(o.Authority[:], data[10:42])
	copy(o.Instrument[:], data[42:74])
	if o.Confidence.IsNegative() {
		return nil, fmt.Errorf("%w: oracle %s has negative confidence", ErrMalformed, o.Instrument)
	}
	return o, nil
}

func putValue(b []byte, v fixed.Value) {
	binary.LittleEndian.PutUint64(b, uint64(v.Raw()))
}

func getValue(b []byte) fixed.Value {
	return fixed.FromRaw(int64(binary.LittleEndian.Uint64(b)))
}
