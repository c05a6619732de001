package dam

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"regexp"
	"strings"

	// Register the standard decoders for the default image attribute.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Attr extracts one value from a raw asset record. Attrs are the slots
// of a TupleFormatter.
type Attr interface {
	Extract(ctx context.Context, ds *Dataset, asset *Asset) (any, error)
}

// LocalPath resolves an asset's file reference to a cached local path.
// Yields nil when the asset has no file.
type LocalPath struct {
	// Field selects the file-reference field. Empty means the default
	// file.
	Field string

	// Force re-downloads the content even when already cached.
	Force bool
}

// Extract implements Attr.
func (a *LocalPath) Extract(ctx context.Context, ds *Dataset, asset *Asset) (any, error) {
	path, err := a.path(ctx, ds, asset)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return path, nil
}

func (a *LocalPath) path(ctx context.Context, ds *Dataset, asset *Asset) (string, error) {
	ref, err := asset.fileRef(a.Field)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return "", nil
	}
	return ds.client.EnsureFile(ctx, ref, a.Force)
}

// FileOpen resolves the file like LocalPath and yields it opened for
// reading (*os.File). The caller owns the handle.
type FileOpen struct {
	Field string
}

// Extract implements Attr.
func (a *FileOpen) Extract(ctx context.Context, ds *Dataset, asset *Asset) (any, error) {
	lp := LocalPath{Field: a.Field}
	path, err := lp.path(ctx, ds, asset)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: asset %d", ErrNoFile, asset.ID)
	}
	return os.Open(path)
}

// DecodeFunc decodes file bytes into an application value. The image
// attribute consumes this as an opaque capability.
type DecodeFunc func(r io.Reader) (any, error)

// StdImageDecode decodes with the standard library's registered image
// formats and yields an image.Image.
func StdImageDecode(r io.Reader) (any, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ImageAttr resolves the file like LocalPath and yields it decoded.
type ImageAttr struct {
	Field string

	// Decode is the decoding capability. Defaults to StdImageDecode.
	Decode DecodeFunc
}

// Extract implements Attr.
func (a *ImageAttr) Extract(ctx context.Context, ds *Dataset, asset *Asset) (any, error) {
	lp := LocalPath{Field: a.Field}
	path, err := lp.path(ctx, ds, asset)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: asset %d", ErrNoFile, asset.ID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decode := a.Decode
	if decode == nil {
		decode = StdImageDecode
	}
	v, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("dam: decode %s: %w", path, err)
	}
	return v, nil
}

// TagPattern yields the asset's tag slugs matching a regular
// expression, in the asset's tag order. The match is anchored at the
// start of the slug and the matched portion is what gets collected.
type TagPattern struct {
	re        *regexp.Regexp
	flatten   bool
	separator string
}

// NewTagPattern compiles a tag-matching attribute. By default matches
// are flattened into one comma-joined string; Flattened(false, "")
// switches to a string slice.
func NewTagPattern(expr string) (*TagPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("dam: compile tag pattern: %w", err)
	}
	return &TagPattern{re: re, flatten: true, separator: ","}, nil
}

// MustTagPattern is NewTagPattern that panics on a bad expression, for
// package-level attribute declarations.
func MustTagPattern(expr string) *TagPattern {
	t, err := NewTagPattern(expr)
	if err != nil {
		panic(err)
	}
	return t
}

// Flattened controls whether matches collapse into a single joined
// string. With flatten false the separator is ignored.
func (t *TagPattern) Flattened(flatten bool, separator string) *TagPattern {
	t.flatten = flatten
	if separator != "" {
		t.separator = separator
	}
	return t
}

// Extract implements Attr.
func (t *TagPattern) Extract(_ context.Context, _ *Dataset, asset *Asset) (any, error) {
	var matches []string
	for _, tag := range asset.Tags {
		loc := t.re.FindStringIndex(tag.Slug)
		if loc == nil || loc[0] != 0 {
			continue
		}
		matches = append(matches, tag.Slug[loc[0]:loc[1]])
	}
	if t.flatten {
		return strings.Join(matches, t.separator), nil
	}
	return matches, nil
}
