package olx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/listing-harvester/internal/crawl"
)

const (
	DefaultEndpoint  = "https://www.olx.pl/apigateway/graphql"
	DefaultTimeout   = 20 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

	maxErrorBody = 512
)

type ClientOptions struct {
	Endpoint       string
	Timeout        time.Duration
	UserAgent      string
	AcceptLanguage string
	HTTPClient     *http.Client
}

// Client talks to the OLX GraphQL listing search.
type Client struct {
	endpoint  string
	http      *http.Client
	userAgent string
	language  string
	logger    *slog.Logger
}

func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "pl"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		endpoint:  opts.Endpoint,
		http:      httpClient,
		userAgent: opts.UserAgent,
		language:  opts.AcceptLanguage,
		logger:    logger.With("component", "olx_client"),
	}
}

// Search runs one listing search. The reported count is the larger of the
// two totals the API returns.
func (c *Client) Search(ctx context.Context, req crawl.SearchRequest) (*crawl.SearchResult, error) {
	body, err := json.Marshal(graphQLRequest{
		Query: listingSearchQuery,
		Variables: map[string]any{
			"searchParameters": searchParameters(req),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var gql graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	result, err := toSearchResult(gql)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("search completed",
		"offset", req.Offset,
		"limit", req.Limit,
		"sort", req.Sort,
		"range", req.Price.String(),
		"count", result.Count,
		"hits", len(result.Hits),
		"latency", time.Since(start))

	return result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://www.olx.pl")
	req.Header.Set("Referer", "https://www.olx.pl/")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Client", "DESKTOP")
}

func toSearchResult(gql graphQLResponse) (*crawl.SearchResult, error) {
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		for _, e := range gql.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &APIError{Code: "graphql", Detail: strings.Join(msgs, "; ")}
	}

	listings := gql.Data.Listings
	switch listings.TypeName {
	case typeListingSuccess:
		return &crawl.SearchResult{
			Count: max(listings.Metadata.TotalElements, listings.Metadata.VisibleTotalCount),
			Hits:  listings.Data,
		}, nil

	case typeListingError:
		apiErr := &APIError{Detail: "unknown error"}
		if listings.Error != nil {
			apiErr.Code = strings.Trim(string(listings.Error.Code), `"`)
			apiErr.Detail = listings.Error.Detail
		}
		return nil, apiErr

	default:
		return nil, &APIError{Code: "unexpected_type", Detail: fmt.Sprintf("unexpected result type %q", listings.TypeName)}
	}
}

// IsTransport reports whether err came from the HTTP layer.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAPI reports whether err is a structured API failure.
func IsAPI(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
