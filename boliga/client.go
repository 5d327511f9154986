package boliga

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kasperjunge/boligmarkedet/models"
)

const (
	DefaultBaseURL  = "https://api.boliga.dk"
	DefaultPageSize = 50

	activeSearchPath = "/api/v2/search/results"
	soldSearchPath   = "/api/v2/sold/search/results"
	estatePath       = "/api/v2/estate/%d"
)

// searchEnvelope is the common response shape of both search endpoints.
type searchEnvelope struct {
	Meta struct {
		TotalCount int `json:"totalCount"`
		TotalPages int `json:"totalPages"`
		PageIndex  int `json:"pageIndex"`
		PageSize   int `json:"pageSize"`
	} `json:"meta"`
	Results []json.RawMessage `json:"results"`
}

// SearchFilter narrows a search request. SalesDateMin drives incremental
// sold pulls; the zero filter is a full-population walk.
type SearchFilter struct {
	SalesDateMin time.Time
}

// Client exposes the upstream search and detail endpoints over a Fetcher.
type Client struct {
	baseURL  string
	fetcher  *Fetcher
	pageSize int
}

func NewClient(baseURL string, fetcher *Fetcher, pageSize int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{baseURL: baseURL, fetcher: fetcher, pageSize: pageSize}
}

// SearchPage fetches one page (1-based) of the given category.
func (c *Client) SearchPage(ctx context.Context, category models.Category, filter SearchFilter, page int) (*Page, error) {
	path := activeSearchPath
	if category == models.CategorySold {
		path = soldSearchPath
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	if !filter.SalesDateMin.IsZero() {
		params.Set("salesDateMin", filter.SalesDateMin.Format("2006-01-02"))
	}

	body, err := c.fetcher.Fetch(ctx, c.baseURL+path, params)
	if err != nil {
		return nil, err
	}

	var envelope searchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("decode %s page %d: %w", category, page, err)}
	}

	return &Page{
		Category:   category,
		Cursor:     page,
		NextCursor: page + 1,
		Records:    envelope.Results,
		TotalCount: envelope.Meta.TotalCount,
		TotalPages: envelope.Meta.TotalPages,
		HasMore:    len(envelope.Results) > 0 && (envelope.Meta.TotalPages == 0 || page < envelope.Meta.TotalPages),
	}, nil
}

// EstateDetails fetches the full detail payload for a single listing.
// Used by the enrichment worker, not the ingest pipeline.
func (c *Client) EstateDetails(ctx context.Context, sourceID int64) (json.RawMessage, error) {
	body, err := c.fetcher.Fetch(ctx, c.baseURL+fmt.Sprintf(estatePath, sourceID), nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &FatalError{Err: fmt.Errorf("estate %d: invalid JSON payload", sourceID)}
	}
	return json.RawMessage(body), nil
}
