package storage

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var contentTypeExt = map[string]string{
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/x-matroska": ".mkv",
	"video/webm":       ".webm",
}

// Fetcher downloads remote sources into the upload area.
type Fetcher struct {
	layout   *Layout
	client   *http.Client
	maxBytes int64
}

func NewFetcher(layout *Layout, timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		layout:   layout,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads rawURL as the input of id and returns its path and digest.
// The extension comes from the URL path, else from the Content-Type.
func (f *Fetcher) Fetch(ctx context.Context, id uuid.UUID, rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: invalid source url %q", ErrFetch, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return "", "", fmt.Errorf("%w: source is %d bytes", ErrTooLarge, resp.ContentLength)
	}

	ext := SourceExt(u.Path, resp.Header.Get("Content-Type"))
	return f.layout.SaveInput(id, ext, resp.Body, f.maxBytes)
}

// SourceExt picks the file extension for a download.
func SourceExt(urlPath, contentType string) string {
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" {
		return ext
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := contentTypeExt[mt]; ok {
			return ext
		}
	}
	return ".mp4"
}
