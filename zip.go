package dam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ZipDir packages a directory tree into a zip archive written to dst.
// Entries whose name starts with a dot are skipped (dot directories
// prune their whole subtree); the remaining files keep their paths
// relative to dir.
func ZipDir(dst io.Writer, dir string, progress ProgressFunc) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("dam: resolve %s: %w", dir, err)
	}

	zw := zip.NewWriter(dst)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		arcname := filepath.ToSlash(rel)

		if progress != nil {
			progress(ProgressEvent{Stage: StageZipping, Path: arcname})
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		w, err := zw.Create(arcname)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("dam: zip %s: %w", dir, err)
	}
	return zw.Close()
}

// UploadDir packages a local directory into a zip archive and ingests
// it remotely: the archive is uploaded (direct or chunked by size) and
// the bulk-zip-ingest endpoint expands it into assets.
func (u *Uploader) UploadDir(ctx context.Context, dir string, opts ...UploadOption) (json.RawMessage, error) {
	cfg := uploadConfig{overwrite: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	tmp, err := os.CreateTemp("", "dam-*.zip")
	if err != nil {
		return nil, fmt.Errorf("dam: create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := ZipDir(tmp, dir, cfg.progress); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("dam: close temp archive: %w", err)
	}

	return u.UploadZip(ctx, tmpPath, opts...)
}

// UploadZip uploads an existing zip archive and ingests it through the
// bulk-zip-ingest endpoint.
func (u *Uploader) UploadZip(ctx context.Context, zipPath string, opts ...UploadOption) (json.RawMessage, error) {
	cfg := uploadConfig{overwrite: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	uploadID, err := u.UploadID(ctx, zipPath, cfg.progress)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	body := map[string]any{"upload_id": uploadID}
	if err := u.client.api.Post(ctx, u.client.zipIngestPath(), body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// TestZip dry-runs a zip ingest: it lists the archive's member paths
// and asks the server what the ingest would do, without moving file
// bytes.
func (u *Uploader) TestZip(ctx context.Context, zipPath string, extra map[string]any) (json.RawMessage, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("dam: open archive: %w", err)
	}
	defer zr.Close()

	paths := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		paths = append(paths, f.Name)
	}

	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["paths"] = paths

	var raw json.RawMessage
	if err := u.client.api.Post(ctx, u.client.zipCheckPath(), body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
