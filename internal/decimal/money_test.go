package decimal_test

import (
	"testing"

	dec "github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturalink/sri-engine/internal/decimal"
)

func TestFromInt(t *testing.T) {
	d := decimal.FromInt(100000)
	assert.True(t, d.Equal(dec.NewFromInt(100000)))
}

func TestFromFloat(t *testing.T) {
	d := decimal.FromFloat(100.555)
	// Should round to 2 decimal places
	assert.True(t, d.Equal(dec.NewFromFloat(100.56)))
}

func TestFromString(t *testing.T) {
	d, err := decimal.FromString("123456.78")
	require.NoError(t, err)
	assert.True(t, d.Equal(dec.RequireFromString("123456.78")))

	_, err = decimal.FromString("not-a-number")
	require.Error(t, err)
}

func TestMustFromString(t *testing.T) {
	d := decimal.MustFromString("999.99")
	assert.True(t, d.Equal(dec.RequireFromString("999.99")))

	assert.Panics(t, func() {
		decimal.MustFromString("invalid")
	})
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "0.00", decimal.Money(dec.Zero))
	assert.Equal(t, "115.00", decimal.Money(dec.NewFromInt(115)))
	assert.Equal(t, "10.56", decimal.Money(dec.RequireFromString("10.555")))
}

func TestQuantity(t *testing.T) {
	assert.Equal(t, "2.000000", decimal.Quantity(dec.NewFromInt(2)))
	assert.Equal(t, "0.333333", decimal.Quantity(dec.RequireFromString("0.3333333")))
}

func TestRate(t *testing.T) {
	assert.Equal(t, "15.00", decimal.Rate(dec.NewFromInt(15)))
	assert.Equal(t, "0.00", decimal.Rate(dec.Zero))
}

func TestMul(t *testing.T) {
	a := dec.NewFromInt(100)
	b := dec.NewFromFloat(0.15)
	result := decimal.Mul(a, b)
	assert.True(t, result.Equal(dec.NewFromInt(15)))
}

func TestDiv(t *testing.T) {
	a := dec.NewFromInt(100)
	b := dec.NewFromInt(3)
	result := decimal.Div(a, b)
	assert.True(t, result.Equal(dec.RequireFromString("33.33")))

	// Division by zero returns zero
	result = decimal.Div(a, dec.Zero)
	assert.True(t, result.IsZero())
}

func TestTax(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		rate     string
		expected string
	}{
		{"15% of 100", "100.00", "15", "15.00"},
		{"12% of 55.55", "55.55", "12", "6.67"},
		{"0% of 100", "100.00", "0", "0.00"},
		{"15% of 0.03 rounds", "0.03", "15", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := dec.RequireFromString(tt.base)
			rate := dec.RequireFromString(tt.rate)
			result := decimal.Tax(base, rate)
			assert.True(t, result.Equal(dec.RequireFromString(tt.expected)),
				"base=%s rate=%s: got %s, want %s",
				tt.base, tt.rate, result.String(), tt.expected)
		})
	}
}

func TestSum(t *testing.T) {
	values := []dec.Decimal{
		dec.NewFromInt(100),
		dec.NewFromInt(200),
		dec.NewFromInt(300),
	}
	result := decimal.Sum(values)
	assert.True(t, result.Equal(dec.NewFromInt(600)))
}

func TestSum_Empty(t *testing.T) {
	result := decimal.Sum([]dec.Decimal{})
	assert.True(t, result.IsZero())
}

func TestIsPositive(t *testing.T) {
	assert.True(t, decimal.IsPositive(dec.NewFromInt(1)))
	assert.False(t, decimal.IsPositive(dec.Zero))
	assert.False(t, decimal.IsPositive(dec.NewFromInt(-1)))
}

func TestIsNonNegative(t *testing.T) {
	assert.True(t, decimal.IsNonNegative(dec.NewFromInt(1)))
	assert.True(t, decimal.IsNonNegative(dec.Zero))
	assert.False(t, decimal.IsNonNegative(dec.NewFromInt(-1)))
}
