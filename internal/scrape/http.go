// Package scrape holds the page-fetching collaborators used by enrichment.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/httpx"
)

// DefaultMaxBytes caps how much of a page is read.
const DefaultMaxBytes = 2 << 20

// HTTP fetches pages with a plain GET.
type HTTP struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTP returns an HTTP scraper using client, or a default client when nil.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = httpx.NewClient(0)
	}
	return &HTTP{Client: client, MaxBytes: DefaultMaxBytes}
}

func (s *HTTP) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", httpx.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := httpx.CheckResponse("fetch "+url, resp); err != nil {
		return "", err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isMarkup(ct) {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", url, ct)
	}

	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	return string(b), nil
}

func isMarkup(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml") || strings.HasPrefix(ct, "text/")
}
