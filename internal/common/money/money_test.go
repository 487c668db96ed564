package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrencyMinorUnits(t *testing.T) {
	tzs, ok := GetCurrencyInfo(TZS)
	require.True(t, ok)
	assert.Equal(t, 0, tzs.MinorUnits)

	usd, ok := GetCurrencyInfo(USD)
	require.True(t, ok)
	assert.Equal(t, 2, usd.MinorUnits)

	_, ok = GetCurrencyInfo("XAU")
	assert.False(t, ok)
	assert.False(t, IsSupported("XAU"))
	assert.True(t, IsSupported(KES))
}

func TestAddSubCurrencyMismatch(t *testing.T) {
	a := New(1000, TZS)
	b := New(500, USD)

	_, err := a.Add(b)
	require.Error(t, err)
	_, err = a.Sub(b)
	require.Error(t, err)

	sum, err := a.Add(New(250, TZS))
	require.NoError(t, err)
	assert.Equal(t, int64(1250), sum.AmountMinor)

	diff, err := a.Sub(New(250, TZS))
	require.NoError(t, err)
	assert.Equal(t, int64(750), diff.AmountMinor)
}

func TestPercentageRounding(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"exact", 10000, 290, 290},
		{"rounds up", 999, 350, 35},      // 34.965
		{"rounds down", 1001, 350, 35},   // 35.035
		{"half rounds up", 500, 350, 18}, // 17.5
		{"zero amount", 0, 350, 0},
		{"zero rate", 10000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.amount, TZS).Percentage(tt.bps)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, TZS, got.Currency)
		})
	}
}

func TestCompare(t *testing.T) {
	a := New(100, USD)

	cmp, err := a.Compare(New(200, USD))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = a.Compare(New(100, USD))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	_, err = a.Compare(New(100, EUR))
	require.Error(t, err)

	assert.True(t, New(200, USD).GreaterThan(a))
	assert.True(t, a.LessThan(New(200, USD)))
	assert.False(t, a.GreaterThan(New(100, EUR)))
}

func TestToMajor(t *testing.T) {
	assert.Equal(t, 125.5, New(12550, USD).ToMajor())
	// Zero-decimal currency: minor units are major units.
	assert.Equal(t, 12550.0, New(12550, TZS).ToMajor())
}

func TestString(t *testing.T) {
	assert.Equal(t, "$ 125.50", New(12550, USD).String())
	assert.Equal(t, "TSh 12550", New(12550, TZS).String())
}
