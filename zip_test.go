package dam

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damlab/dam/internal/testutil"
)

// writeTree materializes a dir tree from relative path -> content.
func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o600))
	}
	return root
}

func zipNames(t *testing.T, archive []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestZipDir(t *testing.T) {
	t.Parallel()

	t.Run("keeps relative paths, skips dot entries", func(t *testing.T) {
		t.Parallel()

		root := writeTree(t, map[string][]byte{
			"a.txt":        []byte("a"),
			"sub/b.txt":    []byte("b"),
			".hidden":      []byte("secret"),
			".git/config":  []byte("nope"),
			"sub/.ds_meta": []byte("nope"),
		})

		var buf bytes.Buffer
		var zipped []string
		require.NoError(t, ZipDir(&buf, root, func(e ProgressEvent) {
			assert.Equal(t, StageZipping, e.Stage)
			zipped = append(zipped, e.Path)
		}))

		want := []string{"a.txt", "sub/b.txt"}
		assert.Equal(t, want, zipNames(t, buf.Bytes()))
		sort.Strings(zipped)
		assert.Equal(t, want, zipped)
	})

	t.Run("content survives", func(t *testing.T) {
		t.Parallel()

		root := writeTree(t, map[string][]byte{"f.txt": []byte("hello")})

		var buf bytes.Buffer
		require.NoError(t, ZipDir(&buf, root, nil))

		zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		require.NoError(t, err)
		require.Len(t, zr.File, 1)

		rc, err := zr.File[0].Open()
		require.NoError(t, err)
		defer rc.Close()
		var got bytes.Buffer
		_, err = got.ReadFrom(rc)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.String())
	})

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		err := ZipDir(&buf, filepath.Join(t.TempDir(), "absent"), nil)
		require.Error(t, err)
	})
}

func TestUploadDir(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer("demo")
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv)

	root := writeTree(t, map[string][]byte{
		"img/one.png": []byte("one"),
		"img/two.png": []byte("two"),
		".secrets":    []byte("nope"),
	})

	raw, err := c.Uploads().UploadDir(context.Background(), root)
	require.NoError(t, err)

	var resp struct {
		Created []string `json:"created"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	sort.Strings(resp.Created)
	assert.Equal(t, []string{"img/one.png", "img/two.png"}, resp.Created)

	names := make([]string, 0, 2)
	for _, a := range srv.Assets() {
		names = append(names, a["name"].(string))
	}
	sort.Strings(names)
	assert.Equal(t, []string{"img/one.png", "img/two.png"}, names)
}

func TestUploadZip(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer("demo")
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv)

	root := writeTree(t, map[string][]byte{"doc.txt": []byte("doc")})
	zipPath := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	require.NoError(t, ZipDir(f, root, nil))
	require.NoError(t, f.Close())

	_, err = c.Uploads().UploadZip(context.Background(), zipPath)
	require.NoError(t, err)
	require.Len(t, srv.Assets(), 1)
	assert.Equal(t, "doc.txt", srv.Assets()[0]["name"])
}

func TestTestZip(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer("demo")
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv)

	root := writeTree(t, map[string][]byte{
		"a.txt": []byte("a"),
		"b.txt": []byte("b"),
	})
	zipPath := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	require.NoError(t, ZipDir(f, root, nil))
	require.NoError(t, f.Close())

	raw, err := c.Uploads().TestZip(context.Background(), zipPath, map[string]any{"dry_run": true})
	require.NoError(t, err)

	var resp struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	sort.Strings(resp.Paths)
	assert.Equal(t, []string{"a.txt", "b.txt"}, resp.Paths)

	// Only path metadata moved, never file bytes.
	assert.Zero(t, srv.UploadRequests)
	assert.Empty(t, srv.Assets())
}
