package dam

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/damlab/dam/api"
)

const defaultPageSize = 100

// Dataset is a filtered view of a project's assets bound to a
// formatter. It borrows the Client it was created from and owns only
// its filter and formatter.
type Dataset struct {
	client    *Client
	filter    Filter
	formatter Formatter
	batchSize int
	pageSize  int
}

// DatasetOption configures a Dataset.
type DatasetOption func(*Dataset) error

// WithFormatter sets an explicit formatter. Mutually exclusive with
// WithAttrs.
func WithFormatter(f Formatter) DatasetOption {
	return func(d *Dataset) error {
		if f == nil {
			return errors.New("dam: formatter is nil")
		}
		if d.formatter != nil {
			return errors.New("dam: formatter already set")
		}
		d.formatter = f
		return nil
	}
}

// WithAttrs wraps the given attribute extractors into a tuple
// formatter. Mutually exclusive with WithFormatter.
func WithAttrs(attrs ...Attr) DatasetOption {
	return func(d *Dataset) error {
		if d.formatter != nil {
			return errors.New("dam: formatter already set")
		}
		f, err := NewTupleFormatter(attrs...)
		if err != nil {
			return err
		}
		d.formatter = f
		return nil
	}
}

// WithBatchSize groups results into fixed-size batches. Each page
// request uses the batch size as its limit and yields one reshaped
// batch.
func WithBatchSize(n int) DatasetOption {
	return func(d *Dataset) error {
		if n <= 0 {
			return fmt.Errorf("dam: batch size %d: must be positive", n)
		}
		d.batchSize = n
		return nil
	}
}

// WithPageSize sets the page size for unbatched iteration. Defaults to
// 100.
func WithPageSize(n int) DatasetOption {
	return func(d *Dataset) error {
		if n <= 0 {
			return fmt.Errorf("dam: page size %d: must be positive", n)
		}
		d.pageSize = n
		return nil
	}
}

// Dataset creates a filtered dataset. Without WithFormatter or
// WithAttrs, results are yielded as *Record. Configuration problems
// (formatter shape, sizes) fail here, never at first use.
func (c *Client) Dataset(filter Filter, opts ...DatasetOption) (*Dataset, error) {
	d := &Dataset{
		client:   c,
		filter:   filter.Clone(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.formatter == nil {
		d.formatter = RecordFormatter{}
	}
	return d, nil
}

// SetFilter replaces the dataset's filter. Live iterators keep the
// filter they were constructed with.
func (d *Dataset) SetFilter(filter Filter) {
	d.filter = filter.Clone()
}

// Filter returns a copy of the current filter.
func (d *Dataset) Filter() Filter {
	return d.filter.Clone()
}

// Len reports the server-side total for the dataset's filter with a
// single page request, independent of iteration.
func (d *Dataset) Len(ctx context.Context) (int, error) {
	page, err := d.fetchPage(ctx, d.filter, 0, 1)
	if err != nil {
		return 0, err
	}
	return page.Count, nil
}

// At returns the formatted item at the given position with a single
// page request. An empty window is a bounds condition reported as
// ErrNotFound.
func (d *Dataset) At(ctx context.Context, index int) (any, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	page, err := d.fetchPage(ctx, d.filter, index, 1)
	if err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	asset, err := decodeAsset(page.Results[0])
	if err != nil {
		return nil, err
	}
	return d.formatter.Format(ctx, d, asset)
}

// All iterates the dataset from the start, yielding formatted items
// (or batches when a batch size is set) transparently across page
// boundaries. Each call constructs a fresh iterator.
func (d *Dataset) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		it := d.Iter()
		for {
			v, err := it.Next(ctx)
			if errors.Is(err, ErrExhausted) {
				return
			}
			if !yield(v, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Load runs the dataset to exhaustion eagerly, discarding formatted
// values. Its only purpose is the side effect: warming the content
// cache before latency-sensitive use.
func (d *Dataset) Load(ctx context.Context, opts ...LoadOption) error {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	total := int64(-1)
	if cfg.progress != nil {
		n, err := d.Len(ctx)
		if err != nil {
			return err
		}
		total = int64(n)
	}

	it := d.Iter()
	var done int64
	for {
		_, err := it.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		done++
		if cfg.progress != nil {
			cfg.progress(ProgressEvent{
				Stage:      StagePreloading,
				ItemsDone:  done,
				ItemsTotal: total,
			})
		}
	}
}

type loadConfig struct {
	progress ProgressFunc
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

// WithLoadProgress reports preload progress after each item.
func WithLoadProgress(fn ProgressFunc) LoadOption {
	return func(c *loadConfig) {
		c.progress = fn
	}
}

func (d *Dataset) fetchPage(ctx context.Context, filter Filter, offset, limit int) (*api.Page, error) {
	q := filter.query(offset, limit)
	return d.client.api.ListPage(ctx, d.client.assetsPath(), q)
}

// Iter constructs a fresh iterator over the dataset. The filter is
// copied at this point; later SetFilter calls do not affect it.
func (d *Dataset) Iter() *Iterator {
	limit := d.pageSize
	batched := d.batchSize > 0
	if batched {
		limit = d.batchSize
	}
	return &Iterator{
		ds:      d,
		filter:  d.filter.Clone(),
		limit:   limit,
		batched: batched,
	}
}

// Iterator is the explicit pagination state of one pass over a
// Dataset: filter, offset, limit, and batching mode. It is finite and
// non-restartable; construct a new one to re-iterate.
type Iterator struct {
	ds      *Dataset
	filter  Filter
	offset  int
	limit   int
	batched bool

	buf  []*Asset
	done bool
}

// Offset returns the offset of the next page request.
func (it *Iterator) Offset() int {
	return it.offset
}

// Next returns the next formatted item, or one reshaped batch per page
// in batched mode. The first empty page ends iteration with
// ErrExhausted.
func (it *Iterator) Next(ctx context.Context) (any, error) {
	if it.batched {
		if it.done {
			return nil, ErrExhausted
		}
		assets, err := it.nextPage(ctx)
		if err != nil {
			return nil, err
		}
		items := make([]any, len(assets))
		for i, asset := range assets {
			items[i], err = it.ds.formatter.Format(ctx, it.ds, asset)
			if err != nil {
				return nil, err
			}
		}
		return reshapeBatch(items), nil
	}

	if len(it.buf) == 0 {
		if it.done {
			return nil, ErrExhausted
		}
		assets, err := it.nextPage(ctx)
		if err != nil {
			return nil, err
		}
		it.buf = assets
	}
	asset := it.buf[0]
	it.buf = it.buf[1:]
	return it.ds.formatter.Format(ctx, it.ds, asset)
}

// nextPage fetches the page at the current offset and advances the
// offset by exactly the limit. A short page means the server ran out of
// results, so the next fetch is skipped; an empty page ends iteration
// immediately.
func (it *Iterator) nextPage(ctx context.Context) ([]*Asset, error) {
	q := it.filter.query(it.offset, it.limit)
	page, err := it.ds.client.api.ListPage(ctx, it.ds.client.assetsPath(), q)
	if err != nil {
		return nil, err
	}
	if len(page.Results) < it.limit {
		it.done = true
	}
	if len(page.Results) == 0 {
		return nil, ErrExhausted
	}
	assets := make([]*Asset, len(page.Results))
	for i, raw := range page.Results {
		assets[i], err = decodeAsset(raw)
		if err != nil {
			return nil, err
		}
	}
	it.offset += it.limit
	return assets, nil
}

// reshapeBatch turns a page of formatted items into one batch value.
// When every item is a Tuple of the same arity K, the batch transposes
// into a Tuple of K columns, each a column-ordered []any of the page's
// length. Anything else yields the flat item slice as a Tuple.
func reshapeBatch(items []any) any {
	if len(items) == 0 {
		return Tuple(items)
	}
	first, ok := items[0].(Tuple)
	if !ok || len(first) == 0 {
		return Tuple(items)
	}
	arity := len(first)
	for _, item := range items[1:] {
		t, ok := item.(Tuple)
		if !ok || len(t) != arity {
			return Tuple(items)
		}
	}
	columns := make(Tuple, arity)
	for col := 0; col < arity; col++ {
		column := make([]any, len(items))
		for row, item := range items {
			column[row] = item.(Tuple)[col]
		}
		columns[col] = column
	}
	return columns
}
