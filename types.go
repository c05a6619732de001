package dam

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
)

// Asset is one remote record. Immutable from the client's perspective
// except through explicit upload and delete calls.
type Asset struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Tags        []Tag      `json:"tags"`
	DefaultFile *AssetFile `json:"default_asset_file"`

	// fields holds the full raw record, including anything the typed
	// fields above do not capture.
	fields map[string]any
}

// Fields returns the raw record as decoded from the server.
func (a *Asset) Fields() map[string]any {
	return a.fields
}

// fileRef resolves a file-reference field on the asset. An empty field
// name selects the default file. A nil result with nil error means the
// asset has no such file.
func (a *Asset) fileRef(field string) (*AssetFile, error) {
	if field == "" || field == defaultFileField {
		return a.DefaultFile, nil
	}
	raw, ok := a.fields[field]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("dam: encode file field %q: %w", field, err)
	}
	var f AssetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("dam: decode file field %q: %w", field, err)
	}
	return &f, nil
}

const defaultFileField = "default_asset_file"

// decodeAsset decodes a raw listing result into an Asset, keeping both
// the typed view and the full field map.
func decodeAsset(raw json.RawMessage) (*Asset, error) {
	var a Asset
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("dam: decode asset: %w", err)
	}
	if err := json.Unmarshal(raw, &a.fields); err != nil {
		return nil, fmt.Errorf("dam: decode asset fields: %w", err)
	}
	return &a, nil
}

// AssetFile references remote binary content. SHA256 is the content
// hash used as the local cache key; it is assumed stable and
// collision-free for the cache's lifetime.
type AssetFile struct {
	SHA256         string `json:"sha256"`
	DownloadURL    string `json:"download_url"`
	SourceFilename string `json:"source_filename"`
}

// Tag is a named label attached to assets.
type Tag struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

// Filter narrows which assets a Dataset iterates. It is applied
// identically to every page request of one iteration; iterators copy it
// at construction, so changing a Dataset's filter never affects a live
// iteration.
type Filter map[string]string

// Clone returns an independent copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return Filter{}
	}
	return maps.Clone(f)
}

// query renders the filter plus a pagination window as URL query
// parameters.
func (f Filter) query(offset, limit int) url.Values {
	q := url.Values{}
	for k, v := range f {
		q.Set(k, v)
	}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// Tuple is a fixed-arity ordered group of values, one per attribute
// extractor. Batched iteration over tuple-shaped items yields a Tuple
// of columns instead.
type Tuple []any
