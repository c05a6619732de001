package dam

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is a mapping view of a raw asset that can also delete the
// remote asset it was built from.
type Record struct {
	client *Client
	asset  *Asset
}

func newRecord(client *Client, asset *Asset) *Record {
	return &Record{client: client, asset: asset}
}

// ID returns the remote asset id.
func (r *Record) ID() int64 {
	return r.asset.ID
}

// Asset returns the typed view of the record.
func (r *Record) Asset() *Asset {
	return r.asset
}

// Get returns a raw field by name.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.asset.fields[key]
	return v, ok
}

// Fields returns the full raw record.
func (r *Record) Fields() map[string]any {
	return r.asset.fields
}

// Delete removes the remote asset behind this record.
func (r *Record) Delete(ctx context.Context) error {
	return r.client.DeleteAsset(ctx, r.asset.ID)
}

// String renders the raw record as JSON, for logs and debugging.
func (r *Record) String() string {
	data, err := json.Marshal(r.asset.fields)
	if err != nil {
		return fmt.Sprintf("dam.Record(id=%d)", r.asset.ID)
	}
	return string(data)
}
