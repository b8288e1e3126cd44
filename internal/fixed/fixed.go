// Package fixed implements the signed fixed-point number used for every
// price, size and margin quantity in the risk engine.
//
// A Value is an int64 count of 1e-9 units. All arithmetic is overflow
// checked: an operation that does not fit returns ErrOverflow instead of
// wrapping or clamping. shopspring/decimal is used only at the edges
// (parsing, rendering, JSON).
package fixed

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the number of fractional decimal digits.
	Decimals = 9

	// Scale is 10^Decimals, the raw value of 1.0.
	Scale int64 = 1_000_000_000
)

var (
	// ErrOverflow is returned when a result does not fit in a Value.
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrDivideByZero is returned by Div and DivCeil for a zero divisor.
	ErrDivideByZero = errors.New("fixed: division by zero")
)

// Zero is 0.0.
const Zero Value = 0

// One is 1.0.
const One Value = Value(Scale)

// Value is a signed fixed-point number with Decimals fractional digits.
type Value int64

// FromRaw wraps an already-scaled integer.
func FromRaw(raw int64) Value { return Value(raw) }

// Raw returns the scaled integer.
func (v Value) Raw() int64 { return int64(v) }

// FromInt converts a whole number of units.
func FromInt(n int64) (Value, error) {
	if n > math.MaxInt64/Scale || n < math.MinInt64/Scale {
		return 0, fmt.Errorf("%w: %d units", ErrOverflow, n)
	}
	return Value(n * Scale), nil
}

// MustFromInt is FromInt for constants known to fit.
func MustFromInt(n int64) Value {
	v, err := FromInt(n)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts a decimal, truncating digits beyond Decimals.
func FromDecimal(d decimal.Decimal) (Value, error) {
	shifted := d.Shift(Decimals).Truncate(0)
	if shifted.GreaterThan(maxDecimal) || shifted.LessThan(minDecimal) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Value(shifted.IntPart()), nil
}

// Parse reads a decimal string such as "100.5" or "-0.000000001".
func Parse(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

var (
	maxDecimal = decimal.NewFromInt(math.MaxInt64)
	minDecimal = decimal.NewFromInt(math.MinInt64)
)

// Decimal returns the exact decimal representation.
func (v Value) Decimal() decimal.Decimal {
	return decimal.New(int64(v), -Decimals)
}

func (v Value) String() string {
	return v.Decimal().String()
}

func (v Value) IsZero() bool     { return v == 0 }
func (v Value) IsNegative() bool { return v < 0 }
func (v Value) IsPositive() bool { return v > 0 }

// Sign returns -1, 0 or +1.
func (v Value) Sign() int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

// Cmp returns -1, 0 or +1 comparing v to o.
func (v Value) Cmp(o Value) int {
	switch {
	case v < o:
		return -1
	case v > o:
		return 1
	}
	return 0
}

func Min(a, b Value) Value {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Value) Value {
	if a > b {
		return a
	}
	return b
}

// Add returns a + b.
func (v Value) Add(o Value) (Value, error) {
	s := v + o
	if (v > 0 && o > 0 && s < 0) || (v < 0 && o < 0 && s >= 0) {
		return 0, fmt.Errorf("%w: %s + %s", ErrOverflow, v, o)
	}
	return s, nil
}

// Sub returns a - b.
func (v Value) Sub(o Value) (Value, error) {
	d := v - o
	if (o > 0 && d > v) || (o < 0 && d < v) {
		return 0, fmt.Errorf("%w: %s - %s", ErrOverflow, v, o)
	}
	return d, nil
}

// Neg returns -v.
func (v Value) Neg() (Value, error) {
	if v == math.MinInt64 {
		return 0, fmt.Errorf("%w: -(%s)", ErrOverflow, v)
	}
	return -v, nil
}

// Abs returns |v|.
func (v Value) Abs() (Value, error) {
	if v < 0 {
		return v.Neg()
	}
	return v, nil
}

// Mul returns v * o rounded toward zero.
func (v Value) Mul(o Value) (Value, error) {
	return mul(v, o, false)
}

// MulCeil returns v * o rounded away from zero.
func (v Value) MulCeil(o Value) (Value, error) {
	return mul(v, o, true)
}

// Div returns v / o rounded toward zero.
func (v Value) Div(o Value) (Value, error) {
	return div(v, o, false)
}

// DivCeil returns v / o rounded away from zero.
func (v Value) DivCeil(o Value) (Value, error) {
	return div(v, o, true)
}

func mul(a, b Value, ceil bool) (Value, error) {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(magnitude(a), magnitude(b))
	if hi >= uint64(Scale) {
		return 0, fmt.Errorf("%w: %s * %s", ErrOverflow, a, b)
	}
	q, r := bits.Div64(hi, lo, uint64(Scale))
	if ceil && r != 0 {
		q++
	}
	out, ok := signed(q, neg)
	if !ok {
		return 0, fmt.Errorf("%w: %s * %s", ErrOverflow, a, b)
	}
	return out, nil
}

func div(a, b Value, ceil bool) (Value, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	neg := (a < 0) != (b < 0)
	ub := magnitude(b)
	hi, lo := bits.Mul64(magnitude(a), uint64(Scale))
	if hi >= ub {
		return 0, fmt.Errorf("%w: %s / %s", ErrOverflow, a, b)
	}
	q, r := bits.Div64(hi, lo, ub)
	if ceil && r != 0 {
		q++
	}
	out, ok := signed(q, neg)
	if !ok {
		return 0, fmt.Errorf("%w: %s / %s", ErrOverflow, a, b)
	}
	return out, nil
}

// magnitude returns |v| as uint64, valid for math.MinInt64.
func magnitude(v Value) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

func signed(q uint64, neg bool) (Value, bool) {
	if neg {
		if q > 1<<63 {
			return 0, false
		}
		if q == 1<<63 {
			return math.MinInt64, true
		}
		return -Value(q), true
	}
	if q > math.MaxInt64 {
		return 0, false
	}
	return Value(q), true
}

// MarshalJSON renders the value as a quoted decimal string.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Decimal().MarshalJSON()
}

// UnmarshalJSON accepts a quoted or bare decimal number.
func (v *Value) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	out, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*v = out
	return nil
}
