package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/httpx"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/metadata"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

const DefaultNewsURL = "https://news.google.com/rss/search"

// News searches a news RSS endpoint (Google News by default). It needs no API
// key, which makes it the fallback when no Serper key is configured.
type News struct {
	client  *http.Client
	baseURL string
	max     int
}

func NewNews(client *http.Client, baseURL string, max int) *News {
	if client == nil {
		client = httpx.NewClient(0)
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultNewsURL
	}
	if max <= 0 {
		max = 10
	}
	return &News{client: client, baseURL: strings.TrimSpace(baseURL), max: max}
}

func (n *News) Search(ctx context.Context, query string) ([]core.SearchHit, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return nil, fmt.Errorf("news search: base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("hl", "en-US")
	q.Set("gl", "US")
	q.Set("ceid", "US:en")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpx.UserAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := httpx.CheckResponse("news search", resp); err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("news search: parse feed: %w", err)
	}

	site := siteOperand(query)
	hits := make([]core.SearchHit, 0, min(len(feed.Items), n.max))
	for _, item := range feed.Items {
		if len(hits) >= n.max {
			break
		}
		if item == nil || strings.TrimSpace(item.Link) == "" {
			continue
		}
		source := site
		if source == "" {
			source = rooturl.Domain(item.Link)
		}
		hits = append(hits, core.SearchHit{
			Title:   metadata.PlainText(item.Title),
			Snippet: metadata.PlainText(item.Description),
			URL:     strings.TrimSpace(item.Link),
			Source:  source,
		})
	}
	return hits, nil
}

// siteOperand returns the domain of a "site:" operator in query, if any.
// Aggregator links hide the publisher, so the operator is the better source.
func siteOperand(query string) string {
	for _, f := range strings.Fields(query) {
		if v, ok := strings.CutPrefix(strings.ToLower(f), "site:"); ok && v != "" {
			return strings.TrimPrefix(strings.SplitN(v, "/", 2)[0], "www.")
		}
	}
	return ""
}
