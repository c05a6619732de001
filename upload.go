package dam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/damlab/dam/api"
)

// Multipart transfer defaults. Files at or above the threshold switch
// to the three-phase chunked protocol.
const (
	DefaultMultipartThreshold = 15 << 20
	DefaultPartSize           = 5 << 20
)

// Default endpoints of the multipart upload service. The asset service
// delegates direct uploads to an external storage vendor; these can be
// redirected with WithMultipartEndpoints.
const (
	defaultMultipartStartURL    = "https://upload.uploadcare.com/multipart/start/"
	defaultMultipartCompleteURL = "https://upload.uploadcare.com/multipart/complete/"
)

// uploadInfo describes how to perform a direct upload, as returned by
// the upload_info endpoint.
type uploadInfo struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Data              map[string]string `json:"data"`
	UploadIDAttribute string            `json:"upload_id_attribute"`
}

// Uploader moves file bytes to the remote service. It composes over
// the client's API caller rather than extending the client itself.
type Uploader struct {
	client     *Client
	httpClient *http.Client

	threshold   int64
	partSize    int64
	startURL    string
	completeURL string
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithThreshold sets the file size at which uploads switch to the
// chunked multipart protocol.
func WithThreshold(n int64) UploaderOption {
	return func(u *Uploader) {
		u.threshold = n
	}
}

// WithPartSize sets the chunk size for multipart uploads.
func WithPartSize(n int64) UploaderOption {
	return func(u *Uploader) {
		u.partSize = n
	}
}

// WithMultipartEndpoints redirects the multipart start/complete calls.
func WithMultipartEndpoints(startURL, completeURL string) UploaderOption {
	return func(u *Uploader) {
		u.startURL = startURL
		u.completeURL = completeURL
	}
}

// WithUploadHTTPClient sets the HTTP client used for the direct upload
// calls (the API caller keeps its own).
func WithUploadHTTPClient(client *http.Client) UploaderOption {
	return func(u *Uploader) {
		u.httpClient = client
	}
}

// Uploads returns an Uploader bound to the client.
func (c *Client) Uploads(opts ...UploaderOption) *Uploader {
	u := &Uploader{
		client:      c,
		httpClient:  c.api.HTTPClient(),
		threshold:   DefaultMultipartThreshold,
		partSize:    DefaultPartSize,
		startURL:    defaultMultipartStartURL,
		completeURL: defaultMultipartCompleteURL,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type uploadConfig struct {
	name      string
	overwrite bool
	tags      []TagSpec
	progress  ProgressFunc
}

// UploadOption configures one upload.
type UploadOption func(*uploadConfig)

// WithName sets the asset name. Unset, the server deduces it from the
// filename.
func WithName(name string) UploadOption {
	return func(c *uploadConfig) {
		c.name = name
	}
}

// WithOverwrite controls replace-in-place semantics. When true (the
// default), a single remote match on name or file is replaced, zero
// matches creates a new asset, and several matches is a server-side
// request failure. The server owns conflict resolution; this layer
// does not pre-check for duplicates.
func WithOverwrite(overwrite bool) UploadOption {
	return func(c *uploadConfig) {
		c.overwrite = overwrite
	}
}

// WithUploadTags sets the asset's tags, replacing all existing ones.
// Slugs are resolved through the client's tag cache.
func WithUploadTags(specs []TagSpec) UploadOption {
	return func(c *uploadConfig) {
		c.tags = specs
	}
}

// WithUploadProgress reports transfer progress during the upload.
func WithUploadProgress(fn ProgressFunc) UploadOption {
	return func(c *uploadConfig) {
		c.progress = fn
	}
}

// Upload transfers a local file and creates the asset record
// referencing it.
func (u *Uploader) Upload(ctx context.Context, path string, opts ...UploadOption) (*Record, error) {
	cfg := uploadConfig{overwrite: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	data := map[string]any{"overwrite": cfg.overwrite}
	if cfg.tags != nil {
		converted, err := u.client.ConvertTags(ctx, cfg.tags)
		if err != nil {
			return nil, err
		}
		data["asset_tags"] = converted
	}

	uploadID, err := u.UploadID(ctx, path, cfg.progress)
	if err != nil {
		return nil, err
	}
	data["upload_id"] = uploadID
	if cfg.name != "" {
		data["name"] = cfg.name
	}

	var raw json.RawMessage
	if err := u.client.api.Post(ctx, u.client.assetsPath(), data, &raw); err != nil {
		return nil, err
	}
	asset, err := decodeAsset(raw)
	if err != nil {
		return nil, err
	}
	return newRecord(u.client, asset), nil
}

// UploadID transfers the file bytes and returns the resulting upload
// identifier, choosing the direct or chunked path by file size.
func (u *Uploader) UploadID(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	info, err := u.fetchUploadInfo(ctx)
	if err != nil {
		return "", err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("dam: stat upload file: %w", err)
	}
	if stat.Size() < u.threshold {
		return u.uploadDirect(ctx, info, path, progress)
	}
	return u.uploadChunked(ctx, info, path, stat.Size(), progress)
}

func (u *Uploader) fetchUploadInfo(ctx context.Context) (*uploadInfo, error) {
	info, err := api.GetResource[uploadInfo](ctx, u.client.api, u.client.uploadInfoPath(), nil)
	if err != nil {
		return nil, err
	}
	if info.URL == "" || info.UploadIDAttribute == "" {
		return nil, fmt.Errorf("dam: incomplete upload_info response")
	}
	if info.Method == "" {
		info.Method = http.MethodPost
	}
	return info, nil
}

// uploadDirect performs the single-call form upload described by
// upload_info.
func (u *Uploader) uploadDirect(ctx context.Context, info *uploadInfo, path string, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dam: open upload file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for key, value := range info.Data {
		if err := form.WriteField(key, value); err != nil {
			return "", fmt.Errorf("dam: write form field: %w", err)
		}
	}
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("dam: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("dam: read upload file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("dam: finish form: %w", err)
	}

	if progress != nil {
		progress(ProgressEvent{Stage: StageUploading, Path: path, ItemsDone: 0, ItemsTotal: 1})
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(info.Method), info.URL, &body)
	if err != nil {
		return "", fmt.Errorf("dam: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	id, err := u.doUploadJSON(req, info.UploadIDAttribute)
	if err != nil {
		return "", fmt.Errorf("dam: upload %s: %w", filepath.Base(path), err)
	}
	if progress != nil {
		progress(ProgressEvent{Stage: StageUploading, Path: path, ItemsDone: 1, ItemsTotal: 1})
	}
	return id, nil
}

// uploadChunked performs the three-phase multipart protocol: start the
// session, PUT fixed-size chunks to each part URL in order, then
// complete the session. A failure at any phase aborts the whole upload;
// there is no resume, and the remote session is left to expire on the
// server side.
func (u *Uploader) uploadChunked(ctx context.Context, info *uploadInfo, path string, size int64, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dam: open upload file: %w", err)
	}
	defer f.Close()

	form := url.Values{}
	for key, value := range info.Data {
		form.Set(key, value)
	}
	form.Set("filename", filepath.Base(path))
	form.Set("size", strconv.FormatInt(size, 10))
	form.Set("content_type", "application/octet-stream")

	var start struct {
		Parts []string `json:"parts"`
		UUID  string   `json:"uuid"`
	}
	if err := u.postForm(ctx, u.startURL, form, &start); err != nil {
		return "", fmt.Errorf("dam: multipart start: %w", err)
	}
	if start.UUID == "" {
		return "", fmt.Errorf("dam: multipart start: missing session id")
	}

	buf := make([]byte, u.partSize)
	total := int64(len(start.Parts))
	for i, partURL := range start.Parts {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return "", fmt.Errorf("dam: read chunk %d: %w", i, err)
		}
		if n == 0 {
			break
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, partURL, bytes.NewReader(buf[:n]))
		if err != nil {
			return "", fmt.Errorf("dam: build chunk request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := u.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("dam: upload chunk %d: %w", i, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("dam: upload chunk %d: status %d", i, resp.StatusCode)
		}
		if progress != nil {
			progress(ProgressEvent{Stage: StageUploading, Path: path, ItemsDone: int64(i + 1), ItemsTotal: total})
		}
	}

	form.Set("uuid", start.UUID)
	var complete struct {
		UUID string `json:"uuid"`
	}
	if err := u.postForm(ctx, u.completeURL, form, &complete); err != nil {
		return "", fmt.Errorf("dam: multipart complete: %w", err)
	}
	if complete.UUID == "" {
		return "", fmt.Errorf("dam: multipart complete: missing upload id")
	}
	return complete.UUID, nil
}

// postForm sends a form-encoded POST to an absolute URL outside the
// API base (the storage vendor's endpoints) and decodes the JSON
// response.
func (u *Uploader) postForm(ctx context.Context, target string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doUploadJSON executes an upload request and extracts the upload id
// field named by upload_info.
func (u *Uploader) doUploadJSON(req *http.Request, idAttribute string) (string, error) {
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	id, ok := fields[idAttribute].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("response missing %q", idAttribute)
	}
	return id, nil
}
