package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/damlab/dam"
)

var uploadFlags struct {
	name       string
	tags       []string
	createTags bool
	overwrite  bool
	dryRun     bool
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a single file as an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if uploadFlags.dryRun {
			logger.Info("dry run: would upload", "file", path, "tags", uploadFlags.tags)
			return nil
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if err := ensureTags(ctx, client, uploadFlags.tags, uploadFlags.createTags); err != nil {
			return err
		}

		opts := []dam.UploadOption{
			dam.WithOverwrite(uploadFlags.overwrite),
			dam.WithUploadProgress(logProgress),
		}
		if uploadFlags.name != "" {
			opts = append(opts, dam.WithName(uploadFlags.name))
		}
		if len(uploadFlags.tags) > 0 {
			opts = append(opts, dam.WithUploadTags(dam.Slugs(uploadFlags.tags...)))
		}

		record, err := client.Uploads().Upload(ctx, path, opts...)
		if err != nil {
			return err
		}
		logger.Info("uploaded", "file", path, "asset_id", record.ID())
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadFlags.name, "name", "", "Asset name (defaults to the filename)")
	uploadCmd.Flags().StringSliceVar(&uploadFlags.tags, "tags", nil, "Tag slugs to attach")
	uploadCmd.Flags().BoolVar(&uploadFlags.createTags, "create-tags", false, "Create missing tags on the fly")
	uploadCmd.Flags().BoolVar(&uploadFlags.overwrite, "overwrite", true, "Replace a matching asset in place")
	uploadCmd.Flags().BoolVar(&uploadFlags.dryRun, "dry-run", false, "Report what would be uploaded without doing it")
}

// ensureTags resolves every slug up front, creating missing tags when
// asked to. Ambiguous slugs always fail.
func ensureTags(ctx context.Context, client *dam.Client, slugs []string, create bool) error {
	for _, slug := range slugs {
		_, err := client.ResolveTag(ctx, slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, dam.ErrUnknownTag) || !create {
			return err
		}
		tag, err := client.CreateTag(ctx, slug, nil)
		if err != nil {
			return fmt.Errorf("create tag %q: %w", slug, err)
		}
		logger.Info("created tag", "slug", slug, "id", tag.ID)
	}
	return nil
}

func logProgress(ev dam.ProgressEvent) {
	if ev.ItemsTotal > 1 {
		logger.Debug(ev.Stage.String(), "done", ev.ItemsDone, "total", ev.ItemsTotal)
		return
	}
	if ev.Path != "" {
		logger.Debug(ev.Stage.String(), "path", ev.Path)
	}
}
