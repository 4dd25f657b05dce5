package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{input: "100.00", expected: 10000},
		{input: "0.1", expected: 10},
		{input: "1,234.56", expected: 123456},
		{input: " 42 ", expected: 4200},
		{input: "-5.25", expected: -525},
		{input: "0.30", expected: 30},
		{input: "10.005", wantErr: true},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "1e400", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCents(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, int64(250), PercentOf(10000, decimal.RequireFromString("2.5")))
	// 1.5% of 333 cents = 4.995 -> 5
	assert.Equal(t, int64(5), PercentOf(333, decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(0), PercentOf(0, decimal.RequireFromString("3")))
}

func TestFromCents(t *testing.T) {
	assert.Equal(t, "12.34", FromCents(1234).StringFixed(2))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.00", Format(0))
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "-12.05", Format(-1205))
}
