package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/damlab/dam"
)

var uploadDirFlags struct {
	dryRun bool
}

var uploadDirCmd = &cobra.Command{
	Use:   "upload-dir DIR",
	Short: "Package a directory as a zip archive and ingest it",
	Long: `upload-dir walks the directory, skips dot-prefixed entries, packages
the rest into a zip archive with relative paths preserved, uploads the
archive, and asks the server to expand it into assets.

With --dry-run the archive is built and checked against the server
without ingesting anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		uploads := client.Uploads()

		if uploadDirFlags.dryRun {
			tmp, err := os.CreateTemp("", "damctl-*.zip")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			if err := dam.ZipDir(tmp, dir, logProgress); err != nil {
				_ = tmp.Close()
				return err
			}
			if err := tmp.Close(); err != nil {
				return err
			}
			result, err := uploads.TestZip(ctx, tmp.Name(), nil)
			if err != nil {
				return err
			}
			logger.Info("dry run: server check passed", "dir", dir, "result", string(result))
			return nil
		}

		result, err := uploads.UploadDir(ctx, dir, dam.WithUploadProgress(logProgress))
		if err != nil {
			return err
		}
		logger.Info("ingested directory", "dir", dir, "result", string(result))
		return nil
	},
}

func init() {
	uploadDirCmd.Flags().BoolVar(&uploadDirFlags.dryRun, "dry-run", false, "Build and check the archive without ingesting")
}
