package olx

import (
	"strconv"

	"github.com/maltedev/listing-harvester/internal/crawl"
)

const listingSearchQuery = `query ListingSearchQuery($searchParameters: [SearchParameter!] = {key: "", value: ""}) {
  clientCompatibleListings(searchParameters: $searchParameters) {
    __typename
    ... on ListingSuccess {
      data {
        id
        title
        url
        description
        created_time
        last_refresh_time
        status
        offer_type
        business
        protect_phone
        location {
          city { id name }
          district { id name }
          region { id name }
        }
        map { lat lon radius zoom show_detailed }
        valid_to_time
        category { id type }
        contact { chat name negotiation phone courier }
        photos { link }
        promotion { highlighted top_ad urgent premium_ad_page b2c_ad_page options }
        user { id uuid name seller_type created is_online last_seen }
        params {
          key
          name
          type
          value {
            __typename
            ... on PriceParam { value currency negotiable label }
            ... on GenericParam { key label }
          }
        }
      }
      metadata { total_elements visible_total_count }
      links { next { href } }
    }
    ... on ListingError {
      error { code detail }
    }
  }
}`

// searchParameters encodes a request as the key/value list the gateway
// expects. Prices always carry two decimals.
func searchParameters(req crawl.SearchRequest) []searchParameter {
	params := []searchParameter{
		{Key: "offset", Value: strconv.Itoa(req.Offset)},
		{Key: "limit", Value: strconv.Itoa(req.Limit)},
		{Key: "query", Value: req.Query.Text},
		{Key: "sort_by", Value: string(req.Sort)},
		{Key: "filter_refiners", Value: "spell_checker"},
	}

	if req.Query.CategoryID != "" {
		params = append(params, searchParameter{Key: "category_id", Value: req.Query.CategoryID})
	}
	if req.Price.From.Valid {
		params = append(params, searchParameter{Key: "filter_float_price:from", Value: req.Price.From.Decimal.StringFixed(2)})
	}
	if req.Price.To.Valid {
		params = append(params, searchParameter{Key: "filter_float_price:to", Value: req.Price.To.Decimal.StringFixed(2)})
	}
	if req.Query.State == crawl.StateNew || req.Query.State == crawl.StateUsed {
		params = append(params, searchParameter{Key: "filter_enum_state[0]", Value: string(req.Query.State)})
	}

	return params
}
