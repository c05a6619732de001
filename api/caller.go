// Package api provides the retry-wrapped JSON caller for the remote
// asset service.
//
// Transient transport failures (connection refused, resets, timeouts)
// are retried transparently with the configured backoff. HTTP-level
// failures are never retried: the server already answered, and
// repeating the call would not change its mind.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultTimeout = 30 * time.Second

// Caller performs authenticated JSON calls against a base URL.
type Caller struct {
	base       *url.URL
	httpClient *http.Client
	username   string
	token      string
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Caller.
type Option func(*Caller)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) {
		c.httpClient = client
	}
}

// WithBasicAuth sets the username/token pair sent with every request.
func WithBasicAuth(username, token string) Option {
	return func(c *Caller) {
		c.username = username
		c.token = token
	}
}

// WithBackOff sets the factory for per-call retry policies. Each call
// gets a fresh policy from the factory. The default is unlimited capped
// exponential backoff, matching the assumption that pure connectivity
// flakiness resolves itself within seconds; production callers that
// need a bound should install one here.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(c *Caller) {
		c.newBackOff = factory
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caller) {
		c.logger = logger
	}
}

// New creates a Caller for the given API base URL.
func New(baseURL string, opts ...Option) (*Caller, error) {
	if baseURL == "" {
		return nil, errors.New("api: base URL is empty")
	}
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	c := &Caller{
		base: base,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0
			return bo
		}
	}
	return c, nil
}

// BaseURL returns the resolved base URL.
func (c *Caller) BaseURL() string {
	return strings.TrimSuffix(c.base.String(), "/")
}

// HTTPClient returns the underlying HTTP client.
func (c *Caller) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Caller) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Get performs a GET request with the given query parameters and
// decodes the JSON response into out.
func (c *Caller) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post performs a POST request with a JSON body and decodes the JSON
// response into out.
func (c *Caller) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Delete performs a DELETE request.
func (c *Caller) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// do executes one logical API call. The request is rebuilt from the
// same arguments on every retry attempt.
func (c *Caller) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("api: parse path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request body: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("api: build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.username != "" || c.token != "" {
			req.SetBasicAuth(c.username, c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport-level failure: retryable.
			return nil, fmt.Errorf("api: %s %s: %w", method, target.Path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("api: read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &Error{
				Status: resp.StatusCode,
				Method: method,
				Path:   target.Path,
				Body:   string(respBody),
			}
			if apiErr.IsClientError() {
				c.log().Warn("api request rejected",
					"method", method,
					"path", target.Path,
					"status", resp.StatusCode,
					"body", string(respBody))
			}
			// The server answered; retrying cannot help.
			return nil, backoff.Permanent(apiErr)
		}
		return respBody, nil
	}

	respBody, err := backoff.RetryWithData(attempt, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}
	return nil
}
