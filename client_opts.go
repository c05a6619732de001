package dam

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/damlab/dam/api"
)

type config struct {
	username   string
	token      string
	apiURL     string
	cacheDir   string
	fileCache  FileCache
	httpClient *http.Client
	logger     *slog.Logger
	apiOpts    []api.Option
}

func defaultConfig() config {
	return config{}
}

// fillFromEnv resolves credentials and the API URL from the
// environment where options left them unset.
func (c *config) fillFromEnv() error {
	if c.username == "" {
		c.username = os.Getenv(EnvUsername)
	}
	if c.token == "" {
		c.token = os.Getenv(EnvToken)
	}
	if c.apiURL == "" {
		c.apiURL = os.Getenv(EnvAPIURL)
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.username == "" && c.token == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Option configures a Client.
type Option func(*config)

// WithCredentials sets the username/token pair used for API calls.
func WithCredentials(username, token string) Option {
	return func(c *config) {
		c.username = username
		c.token = token
	}
}

// WithAPIURL sets the API base URL.
func WithAPIURL(u string) Option {
	return func(c *config) {
		c.apiURL = u
	}
}

// WithCacheDir sets the root directory of the default disk cache.
// Ignored when WithFileCache is used.
func WithCacheDir(dir string) Option {
	return func(c *config) {
		c.cacheDir = dir
	}
}

// WithFileCache sets a custom file cache.
func WithFileCache(fc FileCache) Option {
	return func(c *config) {
		c.fileCache = fc
	}
}

// WithHTTPClient sets the HTTP client used for API calls and, when the
// default disk cache is constructed, for file downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client and its API caller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithAPIOptions passes options through to the underlying api.Caller,
// for concerns not covered here (retry policy in particular).
func WithAPIOptions(opts ...api.Option) Option {
	return func(c *config) {
		c.apiOpts = append(c.apiOpts, opts...)
	}
}
