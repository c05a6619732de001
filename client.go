package dam

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/damlab/dam/api"
	"github.com/damlab/dam/cache/disk"
)

// Environment variables consulted when credentials or the API URL are
// not set explicitly.
const (
	EnvUsername = "DAM_USERNAME"
	EnvToken    = "DAM_TOKEN"
	EnvAPIURL   = "DAM_API_URL"
)

// DefaultAPIURL is the API endpoint used when neither option nor
// environment provides one.
const DefaultAPIURL = "https://api.damlab.dev/v1"

// FileCache materializes remote file content locally, keyed by content
// hash.
type FileCache interface {
	// PathFor maps a content hash to its local path without touching
	// the filesystem.
	PathFor(hash string) (string, error)

	// Ensure returns the local path for the content, downloading it on
	// a miss. With force, the content is re-downloaded even if present.
	Ensure(ctx context.Context, hash, downloadURL string, force bool) (string, error)
}

// Client is the session handle for one project. It owns the API
// caller, the tag slug-to-id cache, and the local file cache.
//
// A Client is not safe for concurrent use; create one per goroutine.
type Client struct {
	api     *api.Caller
	project string
	cache   FileCache
	logger  *slog.Logger
	tagIDs  map[string]int64
}

// New creates a Client for the given project slug.
//
// Credentials come from WithCredentials or the DAM_USERNAME/DAM_TOKEN
// environment variables; absence of both is a configuration error
// surfaced here, never at first use.
func New(project string, opts ...Option) (*Client, error) {
	if project == "" {
		return nil, fmt.Errorf("dam: project slug is empty")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.fillFromEnv(); err != nil {
		return nil, err
	}

	apiOpts := []api.Option{
		api.WithBasicAuth(cfg.username, cfg.token),
	}
	if cfg.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(cfg.httpClient))
	}
	if cfg.logger != nil {
		apiOpts = append(apiOpts, api.WithLogger(cfg.logger))
	}
	apiOpts = append(apiOpts, cfg.apiOpts...)

	caller, err := api.New(cfg.apiURL, apiOpts...)
	if err != nil {
		return nil, err
	}

	fileCache := cfg.fileCache
	if fileCache == nil {
		dir := cfg.cacheDir
		if dir == "" {
			dir, err = disk.DefaultDir()
			if err != nil {
				return nil, err
			}
		}
		diskOpts := []disk.Option{}
		if cfg.httpClient != nil {
			diskOpts = append(diskOpts, disk.WithHTTPClient(cfg.httpClient))
		}
		fileCache, err = disk.New(dir, diskOpts...)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		api:     caller,
		project: project,
		cache:   fileCache,
		logger:  cfg.logger,
		tagIDs:  make(map[string]int64),
	}, nil
}

// Project returns the project slug the client is bound to.
func (c *Client) Project() string {
	return c.project
}

// API returns the underlying caller, for endpoints this package does
// not wrap.
func (c *Client) API() *api.Caller {
	return c.api
}

// Cache returns the file cache owned by the client.
func (c *Client) Cache() FileCache {
	return c.cache
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// EnsureFile materializes an asset file into the local cache and
// returns its path. With force, the content is re-downloaded even when
// already cached.
func (c *Client) EnsureFile(ctx context.Context, f *AssetFile, force bool) (string, error) {
	if f == nil {
		return "", ErrNoFile
	}
	return c.cache.Ensure(ctx, f.SHA256, f.DownloadURL, force)
}

// DeleteAsset removes a remote asset.
func (c *Client) DeleteAsset(ctx context.Context, id int64) error {
	return c.api.Delete(ctx, c.assetPath(id))
}

func (c *Client) assetsPath() string {
	return fmt.Sprintf("projects/%s/assets/", c.project)
}

func (c *Client) assetPath(id int64) string {
	return fmt.Sprintf("projects/%s/assets/%d/", c.project, id)
}

func (c *Client) tagsPath() string {
	return fmt.Sprintf("projects/%s/tags/", c.project)
}

func (c *Client) tagPath(id int64) string {
	return fmt.Sprintf("projects/%s/tags/%d/", c.project, id)
}

func (c *Client) uploadInfoPath() string {
	return fmt.Sprintf("projects/%s/upload_info/", c.project)
}

func (c *Client) zipIngestPath() string {
	return fmt.Sprintf("projects/%s/assets/zip/", c.project)
}

func (c *Client) zipCheckPath() string {
	return fmt.Sprintf("projects/%s/assets/test_zip/", c.project)
}
