package api

import (
	"context"
	"encoding/json"
	"net/url"
)

// Page is the envelope returned by every listing endpoint. Count is the
// server-reported total across all pages, independent of the requested
// window.
type Page struct {
	Count   int               `json:"count"`
	Results []json.RawMessage `json:"results"`
}

// ListPage fetches one page from a listing endpoint.
func (c *Caller) ListPage(ctx context.Context, path string, query url.Values) (*Page, error) {
	var page Page
	if err := c.Get(ctx, path, query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetResource performs a GET and decodes the response into T.
func GetResource[T any](ctx context.Context, c *Caller, path string, query url.Values) (*T, error) {
	var result T
	if err := c.Get(ctx, path, query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateResource performs a POST with the given body and decodes the
// response into T.
func CreateResource[T any](ctx context.Context, c *Caller, path string, body any) (*T, error) {
	var result T
	if err := c.Post(ctx, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
