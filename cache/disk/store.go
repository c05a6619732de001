// Package disk provides the content-addressable file store backing
// asset downloads.
//
// Files are stored at paths derived from their content hash, so each
// distinct content exists at most once locally and a hit never touches
// the network.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
	downloadTimeout = 10 * time.Minute
)

// ErrContentMismatch is returned when downloaded bytes do not hash to
// the expected content hash.
var ErrContentMismatch = errors.New("disk: downloaded content does not match hash")

// Store is a disk-backed content-addressable cache. Entries are added,
// never invalidated; a forced Ensure is the only way to rewrite one.
type Store struct {
	dir        string
	dirPerm    os.FileMode
	verify     bool
	httpClient *http.Client
	group      singleflight.Group
	bytes      atomic.Int64
	pruneMu    sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.httpClient = client
	}
}

// WithVerify controls whether downloaded bytes are checked against the
// content hash before the entry becomes visible. Defaults to true.
func WithVerify(enabled bool) Option {
	return func(s *Store) {
		s.verify = enabled
	}
}

// DefaultDir returns the default cache root under the user's home
// directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("disk: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dam"), nil
}

// New creates a Store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk: cache dir is empty")
	}
	s := &Store{
		dir:     dir,
		dirPerm: defaultDirPerm,
		verify:  true,
		httpClient: &http.Client{
			Timeout: downloadTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: downloadTimeout}
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	_, size, err := s.entries()
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor maps a content hash to its location on disk. It is a pure
// function of the hash and never touches the filesystem. The first six
// hex characters become nested directory segments, bounding the number
// of entries per directory.
func (s *Store) PathFor(hash string) (string, error) {
	if err := digest.NewDigestFromEncoded(digest.SHA256, hash).Validate(); err != nil {
		return "", fmt.Errorf("disk: invalid content hash %q: %w", hash, err)
	}
	return filepath.Join(s.dir, hash[0:2], hash[2:4], hash[4:6], hash[6:]), nil
}

// Ensure returns the local path for the given content hash, downloading
// from downloadURL on a miss. With force, the content is re-downloaded
// even if present. Concurrent calls for one hash share a single
// download.
func (s *Store) Ensure(ctx context.Context, hash, downloadURL string, force bool) (string, error) {
	path, err := s.PathFor(hash)
	if err != nil {
		return "", err
	}
	if !force {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	_, err, _ = s.group.Do(hash, func() (any, error) {
		return nil, s.download(ctx, hash, downloadURL, path)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// download streams the remote content into a temp file next to the
// destination and renames it into place, so a crash mid-download never
// leaves a truncated file at the final path.
func (s *Store) download(ctx context.Context, hash, downloadURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("disk: build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("disk: download %s: %w", downloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("disk: download %s: status %d", downloadURL, resp.StatusCode)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return fmt.Errorf("disk: create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("disk: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	var written int64
	digester := digest.SHA256.Digester()
	written, err = io.Copy(io.MultiWriter(tmp, digester.Hash()), resp.Body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("disk: write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("disk: close cache file: %w", err)
	}

	if s.verify && digester.Digest().Encoded() != hash {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s", ErrContentMismatch, hash)
	}

	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("disk: chmod cache file: %w", err)
	}
	// A forced rewrite replaces an existing entry; its old size leaves
	// the accounting before the rename makes the new one visible.
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		s.bytes.Add(-info.Size())
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("disk: rename cache file: %w", err)
	}
	s.bytes.Add(written)
	return nil
}

// SizeBytes returns the current cache size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// entries walks the cache root and returns every stored entry plus the
// total byte count. In-flight download temp files are not entries.
func (s *Store) entries() ([]cacheEntry, int64, error) {
	var list []cacheEntry
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".download-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		list = append(list, cacheEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Prune removes cached entries until the cache is at or below
// targetBytes. Oldest entries go first. The size counter is rebuilt
// from the walk, so Prune also corrects any accounting drift.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	entries, total, err := s.entries()
	if err != nil {
		return 0, err
	}
	remaining := total
	if remaining <= targetBytes {
		s.bytes.Store(remaining)
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	var freed int64
	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.bytes.Store(remaining)
			return freed, err
		}
		remaining -= entry.size
		freed += entry.size
	}
	s.bytes.Store(remaining)
	return freed, nil
}
