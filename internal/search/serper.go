// Package search holds the web-search collaborators used by signal detection.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/httpx"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

const DefaultSerperURL = "https://google.serper.dev"

type SerperConfig struct {
	APIKey string
	// BaseURL overrides the Serper API base URL. Useful for proxies/testing.
	BaseURL string
	// Num is the number of organic results requested per query.
	Num int
}

// Serper searches Google through the serper.dev API.
type Serper struct {
	client  *http.Client
	apiKey  string
	baseURL string
	num     int
}

func NewSerper(client *http.Client, cfg SerperConfig) (*Serper, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("SERPER_API_KEY is required")
	}
	if client == nil {
		client = httpx.NewClient(0)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultSerperURL
	}
	num := cfg.Num
	if num <= 0 {
		num = 10
	}
	return &Serper{
		client:  client,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: base,
		num:     num,
	}, nil
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s *Serper) Search(ctx context.Context, query string) ([]core.SearchHit, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: s.num})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpx.UserAgent)
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := httpx.CheckResponse("serper search", resp); err != nil {
		return nil, err
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("serper search: decode response: %w", err)
	}

	hits := make([]core.SearchHit, 0, len(parsed.Organic))
	for _, o := range parsed.Organic {
		link := strings.TrimSpace(o.Link)
		if link == "" {
			continue
		}
		hits = append(hits, core.SearchHit{
			Title:   strings.TrimSpace(o.Title),
			Snippet: strings.TrimSpace(o.Snippet),
			URL:     link,
			Source:  rooturl.Domain(link),
		})
	}
	return hits, nil
}
