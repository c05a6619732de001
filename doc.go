// Package dam is a client-side data-access layer for a remote
// digital-asset service.
//
// A Client binds a project to API credentials and owns two session
// caches: the tag slug-to-id map and the on-disk content-addressable
// file store. Datasets declare a filtered view of the project's assets
// and iterate it transparently across pagination boundaries, running
// each raw record through a formatter pipeline that can materialize
// referenced files into the local cache. Uploads move bytes the other
// way, switching to a chunked multipart protocol for large files and
// packaging whole directories as zip archives.
//
// The model is synchronous and pull-based: every call blocks until the
// remote answers, and iteration performs at most one page fetch per
// step. A Client is meant to be used from a single goroutine; create
// one Client per goroutine for parallel throughput.
package dam
