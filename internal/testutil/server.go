// Package testutil provides an in-process fake of the remote asset
// service for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	digest "github.com/opencontainers/go-digest"
)

// Server is a fake asset service covering the endpoints the client
// consumes: asset listing/creation/deletion, tag listing/creation,
// upload_info, direct and multipart uploads, file downloads, and zip
// ingest. Request counters expose how often each surface was hit.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	project string

	assets     []map[string]any
	tags       []map[string]any
	nextID     int64
	uploads    map[string][]byte // upload id -> received bytes
	files      map[string][]byte // content hash -> bytes
	multiparts map[string][]byte // session id -> assembled bytes

	AssetListRequests int
	TagListRequests   int
	DownloadRequests  map[string]int
	UploadRequests    int
	MultipartStarts   int
	MultipartParts    int
	MultipartDone     int
}

// NewServer starts a fake service for the given project slug. Callers
// must Close it.
func NewServer(project string) *Server {
	s := &Server{
		project:          project,
		nextID:           1,
		uploads:          make(map[string][]byte),
		files:            make(map[string][]byte),
		multiparts:       make(map[string][]byte),
		DownloadRequests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddAsset registers a raw asset record, assigning an id if absent.
// Returns the id.
func (s *Server) AddAsset(fields map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := fields["id"].(int64)
	if !ok {
		id = s.nextID
		s.nextID++
		fields["id"] = id
	}
	s.assets = append(s.assets, fields)
	return id
}

// AddTag registers a tag record and returns its id.
func (s *Server) AddTag(slug string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.tags = append(s.tags, map[string]any{"id": id, "slug": slug})
	return id
}

// AddDuplicateTag registers a second tag with an existing slug, to
// simulate an upstream contract violation.
func (s *Server) AddDuplicateTag(slug string) {
	s.AddTag(slug)
}

// AddFile registers downloadable content and returns its sha256 hex
// hash and download URL.
func (s *Server) AddFile(content []byte) (hash, downloadURL string) {
	h := digest.SHA256.FromBytes(content).Encoded()
	s.mu.Lock()
	s.files[h] = content
	s.mu.Unlock()
	return h, s.URL + "/files/" + h
}

// FileAsset registers content plus an asset referencing it as its
// default file, and returns the asset id.
func (s *Server) FileAsset(name string, content []byte, tagSlugs ...string) int64 {
	hash, downloadURL := s.AddFile(content)
	tags := make([]map[string]any, 0, len(tagSlugs))
	for _, slug := range tagSlugs {
		tags = append(tags, map[string]any{"id": s.AddTag(slug), "slug": slug})
	}
	return s.AddAsset(map[string]any{
		"name": name,
		"tags": tags,
		"default_asset_file": map[string]any{
			"sha256":          hash,
			"download_url":    downloadURL,
			"source_filename": name,
		},
	})
}

// Assets returns a snapshot of the stored asset records.
func (s *Server) Assets() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.assets))
	copy(out, s.assets)
	return out
}

// Upload returns the bytes received under an upload id.
func (s *Server) Upload(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[id]
	return b, ok
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSuffix(r.URL.Path, "/")
	base := "/projects/" + s.project

	switch {
	case p == base+"/assets" && r.Method == http.MethodGet:
		s.listAssets(w, r)
	case p == base+"/assets" && r.Method == http.MethodPost:
		s.createAsset(w, r)
	case strings.HasPrefix(p, base+"/assets/") && r.Method == http.MethodDelete:
		s.deleteAsset(w, r, path.Base(p))
	case p == base+"/assets/zip" && r.Method == http.MethodPost:
		s.ingestZip(w, r)
	case p == base+"/assets/test_zip" && r.Method == http.MethodPost:
		s.checkZip(w, r)
	case p == base+"/tags" && r.Method == http.MethodGet:
		s.listTags(w, r)
	case p == base+"/tags" && r.Method == http.MethodPost:
		s.createTag(w, r)
	case strings.HasPrefix(p, base+"/tags/") && r.Method == http.MethodDelete:
		s.deleteTag(w, path.Base(p))
	case p == base+"/upload_info" && r.Method == http.MethodGet:
		s.uploadInfo(w)
	case p == "/upload" && r.Method == http.MethodPost:
		s.receiveUpload(w, r)
	case p == "/multipart/start" && r.Method == http.MethodPost:
		s.multipartStart(w, r)
	case strings.HasPrefix(p, "/multipart/part/") && r.Method == http.MethodPut:
		s.multipartPart(w, r)
	case p == "/multipart/complete" && r.Method == http.MethodPost:
		s.multipartComplete(w, r)
	case strings.HasPrefix(p, "/files/") && r.Method == http.MethodGet:
		s.serveFile(w, path.Base(p))
	default:
		http.Error(w, fmt.Sprintf(`{"detail": "no route for %s %s"}`, r.Method, r.URL.Path), http.StatusNotFound)
	}
}

func pageWindow(r *http.Request, total int) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = total
	}
	return offset, limit
}

func writePage(w http.ResponseWriter, all []map[string]any, offset, limit int) {
	results := []map[string]any{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		results = append(results, all[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(all),
		"results": results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AssetListRequests++

	filtered := s.assets
	if slug := r.URL.Query().Get("tag_slug"); slug != "" {
		filtered = nil
		for _, a := range s.assets {
			if assetHasTag(a, slug) {
				filtered = append(filtered, a)
			}
		}
	}
	offset, limit := pageWindow(r, len(filtered))
	writePage(w, filtered, offset, limit)
}

func assetHasTag(asset map[string]any, slug string) bool {
	tags, _ := asset["tags"].([]map[string]any)
	if tags == nil {
		if raw, ok := asset["tags"].([]any); ok {
			for _, t := range raw {
				if m, ok := t.(map[string]any); ok && m["slug"] == slug {
					return true
				}
			}
		}
		return false
	}
	for _, t := range tags {
		if t["slug"] == slug {
			return true
		}
	}
	return false
}

// createAsset implements the server side of overwrite semantics: one
// match on name or file replaces in place, zero creates, several is a
// 400.
func (s *Server) createAsset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UploadID  string           `json:"upload_id"`
		Overwrite bool             `json:"overwrite"`
		Name      string           `json:"name"`
		AssetTags []map[string]any `json:"asset_tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"detail": "bad request body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok := s.uploads[body.UploadID]
	if !ok {
		http.Error(w, `{"detail": "unknown upload_id"}`, http.StatusBadRequest)
		return
	}

	name := body.Name
	if name == "" {
		name = body.UploadID
	}
	hash := digest.SHA256.FromBytes(content).Encoded()

	var matches []int
	for i, a := range s.assets {
		if a["name"] == name || assetHash(a) == hash {
			matches = append(matches, i)
		}
	}

	record := map[string]any{
		"name": name,
		"tags": tagRecords(s.tags, body.AssetTags),
		"default_asset_file": map[string]any{
			"sha256":          hash,
			"download_url":    s.URL + "/files/" + hash,
			"source_filename": name,
		},
	}
	s.files[hash] = content

	switch {
	case len(matches) == 0:
		record["id"] = s.nextID
		s.nextID++
		s.assets = append(s.assets, record)
	case len(matches) == 1 && body.Overwrite:
		record["id"] = s.assets[matches[0]]["id"]
		s.assets[matches[0]] = record
	case len(matches) == 1:
		http.Error(w, `{"detail": "asset exists and overwrite is false"}`, http.StatusBadRequest)
		return
	default:
		http.Error(w, `{"detail": "several assets match"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func assetHash(asset map[string]any) string {
	file, ok := asset["default_asset_file"].(map[string]any)
	if !ok {
		return ""
	}
	hash, _ := file["sha256"].(string)
	return hash
}

func tagRecords(tags []map[string]any, assetTags []map[string]any) []map[string]any {
	out := []map[string]any{}
	for _, at := range assetTags {
		id, ok := numericID(at["tag_id"])
		if !ok {
			continue
		}
		for _, t := range tags {
			tid, _ := numericID(t["id"])
			if tid == id {
				out = append(out, map[string]any{"id": tid, "slug": t["slug"]})
			}
		}
	}
	return out
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (s *Server) deleteAsset(w http.ResponseWriter, _ *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, `{"detail": "bad id"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.assets {
		aid, _ := numericID(a["id"])
		if aid == id {
			s.assets = append(s.assets[:i], s.assets[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"detail": "asset not found"}`, http.StatusNotFound)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TagListRequests++

	filtered := s.tags
	if slug := r.URL.Query().Get("slug"); slug != "" {
		filtered = nil
		for _, t := range s.tags {
			if t["slug"] == slug {
				filtered = append(filtered, t)
			}
		}
	}
	offset, limit := pageWindow(r, len(filtered))
	writePage(w, filtered, offset, limit)
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"detail": "bad request body"}`, http.StatusBadRequest)
		return
	}
	slug, _ := body["slug"].(string)
	if slug == "" {
		http.Error(w, `{"detail": "slug required"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := map[string]any{"id": s.nextID, "slug": slug}
	s.nextID++
	s.tags = append(s.tags, record)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) deleteTag(w http.ResponseWriter, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, `{"detail": "bad id"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tag := range s.tags {
		tid, _ := numericID(tag["id"])
		if tid == id {
			s.tags = append(s.tags[:i], s.tags[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"detail": "tag not found"}`, http.StatusNotFound)
}

func (s *Server) uploadInfo(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"method":              "POST",
		"url":                 s.URL + "/upload/",
		"data":                map[string]string{"project": s.project},
		"upload_id_attribute": "file_id",
	})
}

func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, `{"detail": "bad multipart form"}`, http.StatusBadRequest)
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"detail": "missing file field"}`, http.StatusBadRequest)
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, `{"detail": "read failed"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadRequests++
	id := fmt.Sprintf("upload-%d-%s", len(s.uploads)+1, header.Filename)
	s.uploads[id] = content
	writeJSON(w, http.StatusOK, map[string]any{"file_id": id})
}

// MultipartEndpoints returns the start/complete URLs for wiring the
// uploader at the fake service.
func (s *Server) MultipartEndpoints() (startURL, completeURL string) {
	return s.URL + "/multipart/start/", s.URL + "/multipart/complete/"
}

func (s *Server) multipartStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"detail": "bad form"}`, http.StatusBadRequest)
		return
	}
	size, err := strconv.ParseInt(r.FormValue("size"), 10, 64)
	if err != nil || size <= 0 {
		http.Error(w, `{"detail": "bad size"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.MultipartStarts++

	sessionID := fmt.Sprintf("session-%d", s.MultipartStarts)
	s.multiparts[sessionID] = nil

	// One part URL per 5 MiB, mirroring the vendor contract. The part
	// count follows the declared size.
	const partSize = 5 << 20
	parts := []string{}
	for n := int64(0); n*partSize < size; n++ {
		parts = append(parts, fmt.Sprintf("%s/multipart/part/%s", s.URL, sessionID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uuid":  sessionID,
		"parts": parts,
	})
}

func (s *Server) multipartPart(w http.ResponseWriter, r *http.Request) {
	sessionID := path.Base(r.URL.Path)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"detail": "read failed"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.multiparts[sessionID]; !ok {
		http.Error(w, `{"detail": "unknown session"}`, http.StatusBadRequest)
		return
	}
	s.MultipartParts++
	s.multiparts[sessionID] = append(s.multiparts[sessionID], content...)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) multipartComplete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"detail": "bad form"}`, http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("uuid")

	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.multiparts[sessionID]
	if !ok {
		http.Error(w, `{"detail": "unknown session"}`, http.StatusBadRequest)
		return
	}
	s.MultipartDone++
	delete(s.multiparts, sessionID)
	s.uploads[sessionID] = content
	writeJSON(w, http.StatusOK, map[string]any{"uuid": sessionID})
}

func (s *Server) serveFile(w http.ResponseWriter, hash string) {
	s.mu.Lock()
	content, ok := s.files[hash]
	s.DownloadRequests[hash]++
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_, _ = w.Write(content)
}

func (s *Server) ingestZip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"detail": "bad request body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.uploads[body.UploadID]
	if !ok {
		http.Error(w, `{"detail": "unknown upload_id"}`, http.StatusBadRequest)
		return
	}

	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		http.Error(w, `{"detail": "not a zip archive"}`, http.StatusBadRequest)
		return
	}

	created := []string{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			http.Error(w, `{"detail": "corrupt archive member"}`, http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			http.Error(w, `{"detail": "corrupt archive member"}`, http.StatusBadRequest)
			return
		}
		hash := digest.SHA256.FromBytes(data).Encoded()
		s.files[hash] = data
		s.assets = append(s.assets, map[string]any{
			"id":   s.nextID,
			"name": zf.Name,
			"tags": []map[string]any{},
			"default_asset_file": map[string]any{
				"sha256":          hash,
				"download_url":    s.URL + "/files/" + hash,
				"source_filename": zf.Name,
			},
		})
		s.nextID++
		created = append(created, zf.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

func (s *Server) checkZip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"detail": "bad request body"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": body.Paths})
}
