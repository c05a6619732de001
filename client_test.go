package dam

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damlab/dam/internal/testutil"
)

// newTestClient builds a client wired at a fake service with a
// throwaway cache directory.
func newTestClient(t *testing.T, srv *testutil.Server) *Client {
	t.Helper()
	c, err := New("demo",
		WithCredentials("alice", "secret"),
		WithAPIURL(srv.URL),
		WithCacheDir(t.TempDir()),
	)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Run("empty project", func(t *testing.T) {
		_, err := New("", WithCredentials("alice", "secret"))
		require.Error(t, err)
	})

	t.Run("missing credentials", func(t *testing.T) {
		t.Setenv(EnvUsername, "")
		t.Setenv(EnvToken, "")

		_, err := New("demo", WithCacheDir(t.TempDir()))
		require.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("credentials from environment", func(t *testing.T) {
		t.Setenv(EnvUsername, "bob")
		t.Setenv(EnvToken, "hunter2")
		t.Setenv(EnvAPIURL, "http://127.0.0.1:9/v1")

		c, err := New("demo", WithCacheDir(t.TempDir()))
		require.NoError(t, err)
		assert.Equal(t, "demo", c.Project())
		assert.Equal(t, "http://127.0.0.1:9/v1", c.API().BaseURL())
	})

	t.Run("default API URL", func(t *testing.T) {
		t.Setenv(EnvAPIURL, "")

		c, err := New("demo",
			WithCredentials("alice", "secret"),
			WithCacheDir(t.TempDir()),
		)
		require.NoError(t, err)
		assert.Equal(t, DefaultAPIURL, c.API().BaseURL())
	})
}

func TestEnsureFile(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer("demo")
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv)

	t.Run("nil file", func(t *testing.T) {
		_, err := c.EnsureFile(context.Background(), nil, false)
		require.ErrorIs(t, err, ErrNoFile)
	})

	t.Run("downloads through the cache", func(t *testing.T) {
		content := []byte("file body")
		hash, downloadURL := srv.AddFile(content)

		path, err := c.EnsureFile(context.Background(), &AssetFile{
			SHA256:      hash,
			DownloadURL: downloadURL,
		}, false)
		require.NoError(t, err)
		assert.FileExists(t, path)

		// Second call is a local hit.
		_, err = c.EnsureFile(context.Background(), &AssetFile{
			SHA256:      hash,
			DownloadURL: downloadURL,
		}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, srv.DownloadRequests[hash])
	})
}

func TestDeleteAsset(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer("demo")
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv)
	id := srv.AddAsset(map[string]any{"name": "victim"})
	require.Len(t, srv.Assets(), 1)

	require.NoError(t, c.DeleteAsset(context.Background(), id))
	assert.Empty(t, srv.Assets())

	err := c.DeleteAsset(context.Background(), id)
	require.Error(t, err)
}
