package dam

import "errors"

// Sentinel errors for the dam package.
var (
	// ErrExhausted is returned by Iterator.Next when a page request
	// comes back empty. It is the normal end-of-iteration signal, not a
	// failure.
	ErrExhausted = errors.New("dam: dataset exhausted")

	// ErrNotFound is returned by indexed lookups whose window comes
	// back empty.
	ErrNotFound = errors.New("dam: not found")

	// ErrUnknownTag is returned when a tag slug matches no remote tag.
	ErrUnknownTag = errors.New("dam: unknown tag")

	// ErrAmbiguousTag is returned when a tag slug matches more than one
	// remote tag. Slugs are unique by server contract, so this is a
	// data-integrity failure upstream, never a caller error.
	ErrAmbiguousTag = errors.New("dam: ambiguous tag")

	// ErrMissingCredentials is returned by New when no username/token
	// pair is available from options or the environment.
	ErrMissingCredentials = errors.New("dam: missing credentials")

	// ErrNoFile is returned when an operation needs an asset's default
	// file and the asset has none.
	ErrNoFile = errors.New("dam: asset has no file")
)
