package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// NoPriceLabel is stored when a listing carries no price parameter.
const NoPriceLabel = "Brak ceny"

type Listing struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Description string     `json:"description"`
	CreatedTime *time.Time `json:"created_time,omitempty"`
	RefreshedAt *time.Time `json:"refreshed_time,omitempty"`
	ValidTo     *time.Time `json:"valid_to_time,omitempty"`
	OfferType   string     `json:"offer_type"`
	Business    bool       `json:"business"`

	Price Price `json:"price"`

	Location Location `json:"location"`
	Seller   Seller   `json:"seller"`

	CategoryID string `json:"category_id"`

	Promoted         bool     `json:"promoted"`
	Highlighted      bool     `json:"highlighted"`
	Urgent           bool     `json:"urgent"`
	PremiumAd        bool     `json:"premium_ad"`
	PromotionOptions []string `json:"promotion_options,omitempty"`

	PhotoURLs []string `json:"photos_urls,omitempty"`

	// Params holds the generic attributes as a JSON array of {name,key,value}.
	Params json.RawMessage `json:"params,omitempty"`

	PhoneProtected   bool `json:"phone_protected"`
	ChatAvailable    bool `json:"chat_available"`
	CourierAvailable bool `json:"courier_available"`

	ScrapedAt time.Time `json:"scraped_at"`
}

type Price struct {
	Value      decimal.NullDecimal `json:"value"`
	Label      string              `json:"label"`
	Currency   string              `json:"currency,omitempty"`
	Negotiable bool                `json:"negotiable"`
}

type Location struct {
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	District  string   `json:"district,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Radius    *int     `json:"radius,omitempty"`
	Zoom      *int     `json:"zoom,omitempty"`
}

type Seller struct {
	ID       string     `json:"id,omitempty"`
	Name     string     `json:"name,omitempty"`
	Type     string     `json:"type,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	IsOnline bool       `json:"is_online"`
}

// Param is one generic attribute of a listing.
type Param struct {
	Name  string `json:"name"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HasPrice reports whether the listing carries a numeric price.
func (l *Listing) HasPrice() bool {
	return l.Price.Value.Valid
}

func (l *Listing) PhotosCount() int {
	return len(l.PhotoURLs)
}

func (l *Listing) Validate() []string {
	var errors []string

	if l.ID == "" {
		errors = append(errors, "ID is required")
	}

	if l.Price.Value.Valid && l.Price.Value.Decimal.IsNegative() {
		errors = append(errors, "Price cannot be negative")
	}

	return errors
}

// ListingStats summarizes the persisted listings table.
type ListingStats struct {
	Total          int64               `json:"total"`
	Active         int64               `json:"active"`
	Inactive       int64               `json:"inactive"`
	AvgActivePrice decimal.NullDecimal `json:"avg_active_price"`
	Currency       string              `json:"currency"`
	PromotedActive int64               `json:"promoted_active"`
	OldestActive   *time.Time          `json:"oldest_active,omitempty"`
	NewestActive   *time.Time          `json:"newest_active,omitempty"`
}
