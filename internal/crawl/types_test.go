package crawl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceRange_Split(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		wantMid  string
	}{
		{"integers", "1000", "50000", "25500"},
		{"odd cents keep full precision", "0.01", "0.04", "0.025"},
		{"one point", "7", "7", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPriceRange(dec(tt.from), dec(tt.to))
			lower, upper := r.Split()

			assert.True(t, lower.From.Decimal.Equal(dec(tt.from)))
			assert.True(t, lower.To.Decimal.Equal(dec(tt.wantMid)), "lower.To = %s", lower.To.Decimal)
			assert.True(t, upper.From.Decimal.Equal(dec(tt.wantMid)), "upper.From = %s", upper.From.Decimal)
			assert.True(t, upper.To.Decimal.Equal(dec(tt.to)))

			mid := dec(tt.wantMid)
			assert.True(t, lower.Contains(mid))
			assert.True(t, upper.Contains(mid))
		})
	}
}

func TestPriceRange_Splittable(t *testing.T) {
	tests := []struct {
		name string
		r    PriceRange
		want bool
	}{
		{"wide", NewPriceRange(dec("1"), dec("2")), true},
		{"exactly one cent", NewPriceRange(dec("1.00"), dec("1.01")), true},
		{"below one cent", NewPriceRange(dec("1.000"), dec("1.009")), false},
		{"point", NewPriceRange(dec("5"), dec("5")), false},
		{"open upper", PriceRange{From: decimal.NewNullDecimal(dec("1"))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Splittable())
		})
	}
}

func TestPriceRange_Malformed(t *testing.T) {
	assert.True(t, NewPriceRange(dec("10"), dec("9.99")).Malformed())
	assert.False(t, NewPriceRange(dec("10"), dec("10")).Malformed())
	assert.False(t, PriceRange{To: decimal.NewNullDecimal(dec("1"))}.Malformed())
}

func TestPriceRange_String(t *testing.T) {
	assert.Equal(t, "1000.00-25500.00", NewPriceRange(dec("1000"), dec("25500")).String())
	assert.Equal(t, "1.00-*", PriceRange{From: decimal.NewNullDecimal(dec("1"))}.String())
	assert.Equal(t, "*-*", PriceRange{}.String())
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"", "new", "used"} {
		got, err := ParseState(s)
		require.NoError(t, err)
		assert.Equal(t, State(s), got)
	}

	_, err := ParseState("broken")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("latest")
	require.NoError(t, err)
	assert.Equal(t, ModeLatest, m)

	_, err = ParseMode("weekly")
	assert.Error(t, err)
}
