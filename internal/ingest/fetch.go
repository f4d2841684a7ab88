package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/security"
)

// DefaultFetchTimeout bounds a single remote fetch.
const DefaultFetchTimeout = 30 * time.Second

// Remote is a fetched page ready for ingestion.
type Remote struct {
	Data        []byte
	ContentType string

	// Name is a human-readable source label derived from the URL.
	Name string
}

// Fetcher downloads remote documents through an SSRF guard.
type Fetcher struct {
	guard    *security.URLGuard
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. maxBytes bounds the response body; zero
// means 10 MiB. A zero timeout uses DefaultFetchTimeout.
func NewFetcher(guard *security.URLGuard, maxBytes int64, timeout time.Duration) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		guard:    guard,
		client:   guard.Client(timeout),
		maxBytes: maxBytes,
	}
}

// Fetch validates and downloads rawURL. The body is truncated at the
// configured byte limit rather than failed; text extraction downstream
// copes with a cut-off document better than the caller copes with an
// error after a long download.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Remote, error) {
	if err := f.guard.Validate(rawURL); err != nil {
		return Remote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Remote{}, fmt.Errorf("building request for %q: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return Remote{}, fmt.Errorf("fetching %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Remote{}, fmt.Errorf("fetching %q: unexpected status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Remote{}, fmt.Errorf("reading %q: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	return Remote{
		Data:        data,
		ContentType: contentType,
		Name:        sourceName(rawURL),
	}, nil
}

// sourceName derives a stable source label from the URL: host plus the
// final path element when there is one.
func sourceName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	name := u.Host
	if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
		name += "/" + base
	}
	return strings.TrimSuffix(name, "/")
}
