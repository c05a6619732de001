package main

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/damlab/dam"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: false,
})

var flags struct {
	project  string
	username string
	token    string
	apiURL   string
	cacheDir string
	verbose  bool
}

var rootCmd = &cobra.Command{
	Use:   "damctl",
	Short: "Client for the asset service",
	Long: `damctl uploads files and directories to an asset service project.

Credentials can be passed with --username/--token or through the
DAM_USERNAME and DAM_TOKEN environment variables (a .env file in the
working directory is honored).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Values already present in the environment win over .env.
		_ = godotenv.Load()
		if flags.verbose {
			logger.SetLevel(charmlog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.project, "project", "p", "", "Project slug (required)")
	rootCmd.PersistentFlags().StringVar(&flags.username, "username", "", "API username (overrides DAM_USERNAME)")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", "", "API token (overrides DAM_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flags.apiURL, "api-url", "", "API base URL (overrides DAM_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.cacheDir, "cache-dir", "", "Local content cache directory")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(uploadDirCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds a dam.Client from flags and environment.
func newClient() (*dam.Client, error) {
	opts := []dam.Option{
		dam.WithLogger(slog.New(logger)),
	}
	if flags.username != "" || flags.token != "" {
		opts = append(opts, dam.WithCredentials(flags.username, flags.token))
	}
	if flags.apiURL != "" {
		opts = append(opts, dam.WithAPIURL(flags.apiURL))
	}
	if flags.cacheDir != "" {
		opts = append(opts, dam.WithCacheDir(flags.cacheDir))
	}
	return dam.New(flags.project, opts...)
}
