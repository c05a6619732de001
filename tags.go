package dam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/url"

	"github.com/damlab/dam/api"
)

// TagSpec names a tag by slug, optionally carrying extra per-tag
// attributes to attach alongside the resolved id.
type TagSpec struct {
	Slug  string
	Attrs map[string]any
}

// Slugs builds slug-only tag specs.
func Slugs(slugs ...string) []TagSpec {
	specs := make([]TagSpec, len(slugs))
	for i, slug := range slugs {
		specs[i] = TagSpec{Slug: slug}
	}
	return specs
}

// ResolveTag resolves a tag slug to its remote id, memoized for the
// client's lifetime. Zero remote matches is ErrUnknownTag; more than
// one is ErrAmbiguousTag, since the server is expected to enforce slug
// uniqueness.
func (c *Client) ResolveTag(ctx context.Context, slug string) (int64, error) {
	if slug == "" {
		return 0, fmt.Errorf("%w: empty slug", ErrUnknownTag)
	}
	if id, ok := c.tagIDs[slug]; ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("slug", slug)
	page, err := c.api.ListPage(ctx, c.tagsPath(), q)
	if err != nil {
		return 0, err
	}
	switch {
	case page.Count == 0:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTag, slug)
	case page.Count > 1:
		return 0, fmt.Errorf("%w: %q has %d matches", ErrAmbiguousTag, slug, page.Count)
	}

	var tag Tag
	if err := json.Unmarshal(page.Results[0], &tag); err != nil {
		return 0, fmt.Errorf("dam: decode tag: %w", err)
	}
	c.tagIDs[slug] = tag.ID
	return tag.ID, nil
}

// ConvertTags normalizes tag specs into the uniform resolved-id record
// list the asset endpoints accept, resolving every slug through
// ResolveTag.
func (c *Client) ConvertTags(ctx context.Context, specs []TagSpec) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		id, err := c.ResolveTag(ctx, spec.Slug)
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(spec.Attrs)+1)
		maps.Copy(record, spec.Attrs)
		record["tag_id"] = id
		out = append(out, record)
	}
	return out, nil
}

// CreateTag creates a remote tag with the given slug and optional
// extra attributes, and caches its id.
func (c *Client) CreateTag(ctx context.Context, slug string, attrs map[string]any) (*Tag, error) {
	if slug == "" {
		return nil, errors.New("dam: tag slug is empty")
	}
	body := make(map[string]any, len(attrs)+1)
	maps.Copy(body, attrs)
	body["slug"] = slug

	tag, err := api.CreateResource[Tag](ctx, c.api, c.tagsPath(), body)
	if err != nil {
		return nil, err
	}
	c.tagIDs[tag.Slug] = tag.ID
	return tag, nil
}

// DeleteTag removes a remote tag. Its memoized slug binding is dropped
// so a later resolve of the same slug consults the server again.
func (c *Client) DeleteTag(ctx context.Context, id int64) error {
	if err := c.api.Delete(ctx, c.tagPath(id)); err != nil {
		return err
	}
	for slug, cached := range c.tagIDs {
		if cached == id {
			delete(c.tagIDs, slug)
		}
	}
	return nil
}

// ResetTagCache drops all memoized slug-to-id bindings. Bindings are
// otherwise session-scoped and never auto-invalidated.
func (c *Client) ResetTagCache() {
	c.tagIDs = make(map[string]int64)
}

// Tags iterates the project's tags matching the filter, transparently
// across pagination boundaries.
func (c *Client) Tags(ctx context.Context, filter Filter) iter.Seq2[*Tag, error] {
	return func(yield func(*Tag, error) bool) {
		f := filter.Clone()
		offset := 0
		limit := defaultPageSize
		for {
			page, err := c.api.ListPage(ctx, c.tagsPath(), f.query(offset, limit))
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page.Results) == 0 {
				return
			}
			for _, raw := range page.Results {
				var tag Tag
				if err := json.Unmarshal(raw, &tag); err != nil {
					yield(nil, fmt.Errorf("dam: decode tag: %w", err))
					return
				}
				if !yield(&tag, nil) {
					return
				}
			}
			offset += limit
		}
	}
}
