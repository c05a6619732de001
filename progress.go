package dam

// ProgressEvent is a progress update during preload or upload
// operations.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the file currently being processed, if applicable.
	Path string

	// ItemsDone and ItemsTotal count completed work units (assets
	// during preload, chunks during multipart upload). ItemsTotal is
	// -1 when unknown.
	ItemsDone  int64
	ItemsTotal int64
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages for preload and upload operations.
const (
	// StagePreloading indicates dataset assets are being materialized
	// into the local cache.
	StagePreloading ProgressStage = iota

	// StageZipping indicates a directory is being packaged into a zip
	// archive.
	StageZipping

	// StageUploading indicates file bytes are being transferred.
	StageUploading
)

// String implements fmt.Stringer.
func (s ProgressStage) String() string {
	switch s {
	case StagePreloading:
		return "preloading"
	case StageZipping:
		return "zipping"
	case StageUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
type ProgressFunc func(ProgressEvent)
