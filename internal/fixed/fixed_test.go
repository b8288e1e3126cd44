package fixed

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		in   string
		raw  int64
		want string
	}{
		{"100", 100 * Scale, "100"},
		{"0.05", 50_000_000, "0.05"},
		{"-90.5", -90_500_000_000, "-90.5"},
		{"0.000000001", 1, "0.000000001"},
		{"1.0000000019", 1_000_000_001, "1.000000001"}, // truncated past 9 digits
	}
	for _, tt := range tests {
		v, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.raw, v.Raw(), tt.in)
		assert.Equal(t, tt.want, v.String(), tt.in)
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse("abc")
	assert.Error(t, err)

	_, err = Parse("10000000000000")
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAddSub_Overflow(t *testing.T) {
	_, err := Value(math.MaxInt64).Add(1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Value(math.MinInt64).Add(-1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Value(math.MinInt64).Sub(1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Value(math.MaxInt64).Sub(-1)
	assert.ErrorIs(t, err, ErrOverflow)

	s, err := MustFromInt(150).Sub(MustFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, MustFromInt(100), s)
}

func TestNegAbs(t *testing.T) {
	_, err := Value(math.MinInt64).Neg()
	assert.ErrorIs(t, err, ErrOverflow)

	a, err := MustFromInt(-7).Abs()
	require.NoError(t, err)
	assert.Equal(t, MustFromInt(7), a)
}

func TestMul(t *testing.T) {
	got, err := MustFromInt(1000).Mul(MustParse("0.05"))
	require.NoError(t, err)
	assert.Equal(t, MustFromInt(50), got)

	got, err = MustFromInt(-10).Mul(MustFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, MustFromInt(-100), got)

	// 1e-9 * 0.5 truncates to zero, rounds up to 1e-9.
	got, err = Value(1).Mul(MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, Zero, got)
	got, err = Value(1).MulCeil(MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, Value(1), got)
	got, err = Value(-1).MulCeil(MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, Value(-1), got)

	_, err = MustFromInt(5_000_000_000).Mul(MustFromInt(5_000_000_000))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDiv(t *testing.T) {
	got, err := MustFromInt(1).Div(MustFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, Value(333_333_333), got)

	got, err = MustFromInt(1).DivCeil(MustFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, Value(333_333_334), got)

	_, err = One.Div(Zero)
	assert.ErrorIs(t, err, ErrDivideByZero)

	_, err = MustFromInt(9_000_000_000).Div(Value(1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDecimalRoundTrip(t *testing.T) {
	v := MustParse("-123.456789012")
	back, err := FromDecimal(v.Decimal())
	require.NoError(t, err)
	assert.Equal(t, v, back)
	assert.True(t, v.Decimal().Equal(decimal.RequireFromString("-123.456789012")))
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Price Value `json:"price"`
	}
	data, err := json.Marshal(wrapper{Price: MustParse("100.25")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"100.25"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"price":42.5}`), &w))
	assert.Equal(t, MustParse("42.5"), w.Price)
}
