package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport fails the first n round trips with a transport error,
// then delegates to the default transport.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.calls.Add(1) <= t.failures {
		return nil, errors.New("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("empty URL", func(t *testing.T) {
		t.Parallel()

		_, err := New("")
		require.Error(t, err)
	})

	t.Run("trailing slash normalized", func(t *testing.T) {
		t.Parallel()

		a, err := New("https://example.com/v1/")
		require.NoError(t, err)
		b, err := New("https://example.com/v1")
		require.NoError(t, err)
		assert.Equal(t, a.BaseURL(), b.BaseURL())
	})
}

func TestCallerGet(t *testing.T) {
	t.Parallel()

	t.Run("decodes JSON and sends auth", func(t *testing.T) {
		t.Parallel()

		var gotUser, gotToken string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotToken, _ = r.BasicAuth()
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			json.NewEncoder(w).Encode(map[string]string{"name": "cats"})
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithBasicAuth("alice", "secret"))
		require.NoError(t, err)

		var out map[string]string
		require.NoError(t, c.Get(context.Background(), "resource/", nil, &out))
		assert.Equal(t, "cats", out["name"])
		assert.Equal(t, "alice", gotUser)
		assert.Equal(t, "secret", gotToken)
	})

	t.Run("query parameters", func(t *testing.T) {
		t.Parallel()

		var gotQuery url.Values
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		c, err := New(srv.URL)
		require.NoError(t, err)

		q := url.Values{"offset": {"10"}, "limit": {"5"}}
		require.NoError(t, c.Get(context.Background(), "assets/", q, nil))
		assert.Equal(t, "10", gotQuery.Get("offset"))
		assert.Equal(t, "5", gotQuery.Get("limit"))
	})
}

func TestCallerRetry(t *testing.T) {
	t.Parallel()

	t.Run("retries transport failures", func(t *testing.T) {
		t.Parallel()

		var served atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served.Add(1)
			w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		transport := &flakyTransport{failures: 2}
		c, err := New(srv.URL,
			WithHTTPClient(&http.Client{Transport: transport}),
			WithBackOff(noWait),
		)
		require.NoError(t, err)

		var out map[string]bool
		require.NoError(t, c.Get(context.Background(), "ping/", nil, &out))
		assert.True(t, out["ok"])
		assert.Equal(t, int32(3), transport.calls.Load())
		assert.Equal(t, int32(1), served.Load())
	})

	t.Run("does not retry HTTP errors", func(t *testing.T) {
		t.Parallel()

		var served atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"nope"}`))
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithBackOff(noWait))
		require.NoError(t, err)

		err = c.Get(context.Background(), "assets/", nil, nil)
		require.Error(t, err)
		assert.Equal(t, int32(1), served.Load())

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, http.MethodGet, apiErr.Method)
		assert.Contains(t, apiErr.Body, "nope")
		assert.True(t, apiErr.IsClientError())
		assert.False(t, apiErr.IsNotFound())
	})

	t.Run("gives up when retries are exhausted", func(t *testing.T) {
		t.Parallel()

		transport := &flakyTransport{failures: 100}
		c, err := New("http://127.0.0.1:1",
			WithHTTPClient(&http.Client{Transport: transport}),
			WithBackOff(noWait),
		)
		require.NoError(t, err)

		err = c.Get(context.Background(), "ping/", nil, nil)
		require.Error(t, err)
		assert.Equal(t, int32(6), transport.calls.Load())
	})
}

func TestCallerPost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "slug": in["slug"]})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	var out struct {
		ID   int64  `json:"id"`
		Slug string `json:"slug"`
	}
	require.NoError(t, c.Post(context.Background(), "tags/", map[string]string{"slug": "train"}, &out))
	assert.Equal(t, int64(7), out.ID)
	assert.Equal(t, "train", out.Slug)
}

func TestCallerDelete(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/v1")
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), "assets/42/"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v1/assets/42/", gotPath)
}

func TestListPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 12, "results": [{"id": 1}, {"id": 2}]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	page, err := c.ListPage(context.Background(), "assets/", nil)
	require.NoError(t, err)
	assert.Equal(t, 12, page.Count)
	require.Len(t, page.Results, 2)
	assert.JSONEq(t, `{"id": 1}`, string(page.Results[0]))
}

func TestGetResource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 3, "name": "img.png"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	type asset struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	got, err := GetResource[asset](context.Background(), c, "assets/3/", nil)
	require.NoError(t, err)
	assert.Equal(t, asset{ID: 3, Name: "img.png"}, *got)
}
