package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/courierhq/courier/internal/batch"
)

// Uploader delivers a packaged batch to the central store. Implementations
// are selected at construction time: HTTP to the ingestion endpoint, a
// directory drop for network-share deployments, or the no-op fallback when no
// transport is configured.
type Uploader interface {
	Upload(ctx context.Context, arch *batch.Archive) error
}

// PermanentError marks an upload failure that must not be retried within the
// cycle. The batch is dropped; its records stay unsynced and are re-batched
// next cycle.
type PermanentError struct {
	Status string
	Code   int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("upload permanently rejected: %s", e.Status)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// HTTPUploader posts archives to the ingestion endpoint as multipart uploads.
type HTTPUploader struct {
	uploadURL  string
	token      string
	producerID string
	client     *http.Client
}

// NewHTTPUploader creates an uploader targeting baseURL (e.g.
// "http://server:5000"). The timeout bounds each request attempt.
func NewHTTPUploader(baseURL, token, producerID string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUploader{
		uploadURL:  baseURL + "/upload",
		token:      token,
		producerID: producerID,
		client:     &http.Client{Timeout: timeout},
	}
}

// Upload sends the archive with producer metadata. A 2xx response means the
// server extracted the batch; 4xx responses return a PermanentError; anything
// else (connection failure, 5xx) is transient and retriable.
func (u *HTTPUploader) Upload(ctx context.Context, arch *batch.Archive) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", arch.Key)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(arch.Data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.WriteField("producerId", u.producerID); err != nil {
		return fmt.Errorf("failed to write producer field: %w", err)
	}
	if err := mw.WriteField("uploadedAt", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to write timestamp field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Token", u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Status: resp.Status, Code: resp.StatusCode}
	default:
		return fmt.Errorf("server error: %s", resp.Status)
	}
}

// DirUploader drops archives into a directory, typically a mounted network
// share collected by the server out of band. The write is atomic: the archive
// appears under its final name only once fully written.
type DirUploader struct {
	dir string
}

// NewDirUploader creates an uploader writing into dir.
func NewDirUploader(dir string) *DirUploader {
	return &DirUploader{dir: dir}
}

// Upload writes the archive to a temp file and renames it into place.
func (u *DirUploader) Upload(ctx context.Context, arch *batch.Archive) error {
	if err := os.MkdirAll(u.dir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(u.dir, ".courier-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(arch.Data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close archive: %w", err)
	}

	target := filepath.Join(u.dir, arch.Key)
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish archive: %w", err)
	}

	return nil
}

// NopUploader is the fallback when neither a server URL nor an upload
// directory is configured. Every upload fails permanently for the cycle,
// which keeps records accumulating locally without retry storms.
type NopUploader struct{}

// Upload always fails permanently: nothing is acknowledged, so no record is
// ever marked synced through this uploader.
func (NopUploader) Upload(ctx context.Context, arch *batch.Archive) error {
	return &PermanentError{Status: "no upload transport configured"}
}
