package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// fileServer serves fixed content and counts downloads per path.
type fileServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newFileServer(t *testing.T, content []byte) *fileServer {
	t.Helper()
	fs := &fileServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		w.Write(content)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("empty dir", func(t *testing.T) {
		t.Parallel()

		_, err := New("")
		require.Error(t, err)
	})

	t.Run("creates root", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "cache")
		s, err := New(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, s.Dir())

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("restores size from existing entries", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		s, err := New(dir)
		require.NoError(t, err)

		content := []byte("four")
		srv := newFileServer(t, content)
		_, err = s.Ensure(context.Background(), hashOf(content), srv.URL, false)
		require.NoError(t, err)

		reopened, err := New(dir)
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), reopened.SizeBytes())
	})
}

func TestPathFor(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	t.Run("shards by hash prefix", func(t *testing.T) {
		t.Parallel()

		hash := hashOf([]byte("content"))
		path, err := s.PathFor(hash)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(s.Dir(), hash[0:2], hash[2:4], hash[4:6], hash[6:]), path)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		hash := hashOf([]byte("content"))
		a, err := s.PathFor(hash)
		require.NoError(t, err)
		b, err := s.PathFor(hash)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("rejects malformed hashes", func(t *testing.T) {
		t.Parallel()

		for _, hash := range []string{
			"",
			"abc",
			"../../../etc/passwd",
			strings.Repeat("g", 64),
			strings.Repeat("a", 63),
		} {
			_, err := s.PathFor(hash)
			assert.Error(t, err, "hash %q", hash)
		}
	})
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	t.Run("downloads on miss, hits locally after", func(t *testing.T) {
		t.Parallel()

		content := []byte("hello world")
		srv := newFileServer(t, content)
		s, err := New(t.TempDir())
		require.NoError(t, err)

		hash := hashOf(content)
		path, err := s.Ensure(context.Background(), hash, srv.URL, false)
		require.NoError(t, err)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, got)
		assert.Equal(t, int32(1), srv.hits.Load())

		again, err := s.Ensure(context.Background(), hash, srv.URL, false)
		require.NoError(t, err)
		assert.Equal(t, path, again)
		assert.Equal(t, int32(1), srv.hits.Load(), "hit must not re-download")
	})

	t.Run("force re-downloads", func(t *testing.T) {
		t.Parallel()

		content := []byte("refreshed")
		srv := newFileServer(t, content)
		s, err := New(t.TempDir())
		require.NoError(t, err)

		hash := hashOf(content)
		_, err = s.Ensure(context.Background(), hash, srv.URL, false)
		require.NoError(t, err)
		_, err = s.Ensure(context.Background(), hash, srv.URL, true)
		require.NoError(t, err)
		assert.Equal(t, int32(2), srv.hits.Load())
	})

	t.Run("force keeps size accounting exact", func(t *testing.T) {
		t.Parallel()

		content := []byte("sixteen bytes!!!")
		srv := newFileServer(t, content)
		s, err := New(t.TempDir())
		require.NoError(t, err)

		hash := hashOf(content)
		_, err = s.Ensure(context.Background(), hash, srv.URL, false)
		require.NoError(t, err)
		require.Equal(t, int64(len(content)), s.SizeBytes())

		// A forced re-download replaces the entry in place, so the
		// counter must not grow.
		_, err = s.Ensure(context.Background(), hash, srv.URL, true)
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), s.SizeBytes())

		_, err = s.Ensure(context.Background(), hash, srv.URL, true)
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), s.SizeBytes())
	})

	t.Run("rejects mismatched content", func(t *testing.T) {
		t.Parallel()

		srv := newFileServer(t, []byte("actual bytes"))
		s, err := New(t.TempDir())
		require.NoError(t, err)

		hash := hashOf([]byte("expected bytes"))
		_, err = s.Ensure(context.Background(), hash, srv.URL, false)
		require.ErrorIs(t, err, ErrContentMismatch)

		// The failed download must leave nothing behind.
		path, err := s.PathFor(hash)
		require.NoError(t, err)
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
		assertNoTempFiles(t, s.Dir())
	})

	t.Run("verification can be disabled", func(t *testing.T) {
		t.Parallel()

		srv := newFileServer(t, []byte("whatever"))
		s, err := New(t.TempDir(), WithVerify(false))
		require.NoError(t, err)

		path, err := s.Ensure(context.Background(), hashOf([]byte("unrelated")), srv.URL, false)
		require.NoError(t, err)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("whatever"), got)
	})

	t.Run("download error surfaces", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(srv.Close)

		s, err := New(t.TempDir())
		require.NoError(t, err)

		_, err = s.Ensure(context.Background(), hashOf([]byte("x")), srv.URL, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})

	t.Run("no temp files after success", func(t *testing.T) {
		t.Parallel()

		content := []byte("clean")
		srv := newFileServer(t, content)
		s, err := New(t.TempDir())
		require.NoError(t, err)

		_, err = s.Ensure(context.Background(), hashOf(content), srv.URL, false)
		require.NoError(t, err)
		assertNoTempFiles(t, s.Dir())
	})
}

func assertNoTempFiles(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			assert.False(t, strings.HasPrefix(d.Name(), ".download-"),
				"leftover temp file %s", path)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSizeAndPrune(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)

	var total int64
	for i := 0; i < 3; i++ {
		content := []byte(fmt.Sprintf("entry number %d", i))
		srv := newFileServer(t, content)
		path, err := s.Ensure(context.Background(), hashOf(content), srv.URL, false)
		require.NoError(t, err)
		total += int64(len(content))

		// Stagger mtimes so pruning order is deterministic.
		when := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(path, when, when))
	}
	assert.Equal(t, total, s.SizeBytes())

	freed, err := s.Prune(total - 1)
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.LessOrEqual(t, s.SizeBytes(), total-1)

	freed, err = s.Prune(0)
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.Equal(t, int64(0), s.SizeBytes())
}
