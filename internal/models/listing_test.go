package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestListing_Validate(t *testing.T) {
	tests := []struct {
		name    string
		listing Listing
		want    []string
	}{
		{
			name:    "priced listing",
			listing: Listing{ID: "901", Price: Price{Value: decimal.NewNullDecimal(decimal.NewFromInt(4500))}},
		},
		{
			name:    "no price",
			listing: Listing{ID: "902", Price: Price{Label: NoPriceLabel}},
		},
		{
			name:    "missing id",
			listing: Listing{},
			want:    []string{"ID is required"},
		},
		{
			name:    "negative price",
			listing: Listing{ID: "903", Price: Price{Value: decimal.NewNullDecimal(decimal.NewFromInt(-1))}},
			want:    []string{"Price cannot be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.listing.Validate())
		})
	}
}

func TestListing_Helpers(t *testing.T) {
	l := Listing{PhotoURLs: []string{"a", "b"}}
	assert.False(t, l.HasPrice())
	assert.Equal(t, 2, l.PhotosCount())

	l.Price.Value = decimal.NewNullDecimal(decimal.Zero)
	assert.True(t, l.HasPrice())
}
