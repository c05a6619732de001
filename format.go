package dam

import (
	"context"
	"fmt"
)

// Formatter turns a raw asset record into an application value. The
// dataset is passed so formatters can reach back to the client (file
// cache, API calls).
type Formatter interface {
	Format(ctx context.Context, ds *Dataset, asset *Asset) (any, error)
}

// RecordFormatter is the identity formatter: it yields the raw record
// wrapped as a *Record.
type RecordFormatter struct{}

// Format implements Formatter.
func (RecordFormatter) Format(_ context.Context, ds *Dataset, asset *Asset) (any, error) {
	return newRecord(ds.client, asset), nil
}

// TupleFormatter produces a fixed-arity Tuple, one slot per attribute
// extractor, in extractor order.
type TupleFormatter struct {
	attrs []Attr
}

// NewTupleFormatter builds a tuple formatter over the given extractors.
func NewTupleFormatter(attrs ...Attr) (*TupleFormatter, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("dam: tuple formatter needs at least one attribute")
	}
	return &TupleFormatter{attrs: attrs}, nil
}

// Arity returns the number of slots in produced tuples.
func (f *TupleFormatter) Arity() int {
	return len(f.attrs)
}

// Format implements Formatter.
func (f *TupleFormatter) Format(ctx context.Context, ds *Dataset, asset *Asset) (any, error) {
	out := make(Tuple, len(f.attrs))
	for i, attr := range f.attrs {
		v, err := attr.Extract(ctx, ds, asset)
		if err != nil {
			return nil, fmt.Errorf("dam: attribute %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
