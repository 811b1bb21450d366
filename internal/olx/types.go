package olx

import (
	"encoding/json"
	"fmt"
)

const (
	typeListingSuccess = "ListingSuccess"
	typeListingError   = "ListingError"
	typePriceParam     = "PriceParam"
	typeGenericParam   = "GenericParam"
)

// TransportError is a failure to get a usable HTTP response.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("olx transport: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("olx transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a structured failure reported by the search API.
type APIError struct {
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "olx api: " + e.Detail
	}
	return fmt.Sprintf("olx api: %s: %s", e.Code, e.Detail)
}

type searchParameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Listings listingsResult `json:"clientCompatibleListings"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type listingsResult struct {
	TypeName string            `json:"__typename"`
	Data     []json.RawMessage `json:"data"`
	Metadata struct {
		TotalElements     int `json:"total_elements"`
		VisibleTotalCount int `json:"visible_total_count"`
	} `json:"metadata"`
	Error *struct {
		Code   json.RawMessage `json:"code"`
		Detail string          `json:"detail"`
	} `json:"error"`
}

// apiListing is one element of ListingSuccess.data.
type apiListing struct {
	ID              json.Number `json:"id"`
	Title           string      `json:"title"`
	URL             string      `json:"url"`
	Description     string      `json:"description"`
	CreatedTime     string      `json:"created_time"`
	LastRefreshTime string      `json:"last_refresh_time"`
	ValidToTime     string      `json:"valid_to_time"`
	OfferType       string      `json:"offer_type"`
	Business        bool        `json:"business"`
	ProtectPhone    bool        `json:"protect_phone"`

	Location *struct {
		City     *namedRef `json:"city"`
		District *namedRef `json:"district"`
		Region   *namedRef `json:"region"`
	} `json:"location"`

	Map *struct {
		Lat    *float64 `json:"lat"`
		Lon    *float64 `json:"lon"`
		Radius *float64 `json:"radius"`
		Zoom   *float64 `json:"zoom"`
	} `json:"map"`

	Category *struct {
		ID   json.Number `json:"id"`
		Type string      `json:"type"`
	} `json:"category"`

	Contact *struct {
		Chat    bool `json:"chat"`
		Courier bool `json:"courier"`
	} `json:"contact"`

	Photos []struct {
		Link string `json:"link"`
	} `json:"photos"`

	Promotion *struct {
		Highlighted   bool     `json:"highlighted"`
		TopAd         bool     `json:"top_ad"`
		Urgent        bool     `json:"urgent"`
		PremiumAdPage bool     `json:"premium_ad_page"`
		Options       []string `json:"options"`
	} `json:"promotion"`

	User *struct {
		UUID       string `json:"uuid"`
		Name       string `json:"name"`
		SellerType string `json:"seller_type"`
		Created    string `json:"created"`
		IsOnline   bool   `json:"is_online"`
		LastSeen   string `json:"last_seen"`
	} `json:"user"`

	Params []apiParam `json:"params"`
}

type namedRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type apiParam struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value struct {
		TypeName   string       `json:"__typename"`
		Value      *json.Number `json:"value"`
		Currency   string       `json:"currency"`
		Negotiable bool         `json:"negotiable"`
		Label      string       `json:"label"`
		Key        string       `json:"key"`
	} `json:"value"`
}
