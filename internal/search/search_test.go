package search_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/search"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

func TestSerperSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		if r.Header.Get("X-API-KEY") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
			return
		}
		var body struct {
			Q   string `json:"q"`
			Num int    `json:"num"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, `"Acme funding round" site:techcrunch.com`, body.Q)
		assert.Equal(t, 5, body.Num)
		_, _ = w.Write([]byte(`{"organic":[
			{"title":"Acme raises $20M","link":"https://www.techcrunch.com/acme","snippet":"Acme raised..."},
			{"title":"no link","link":"","snippet":""}
		]}`))
	}))
	t.Cleanup(srv.Close)

	s, err := search.NewSerper(srv.Client(), search.SerperConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Num: 5})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), `"Acme funding round" site:techcrunch.com`)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, core.SearchHit{
		Title:   "Acme raises $20M",
		Snippet: "Acme raised...",
		URL:     "https://www.techcrunch.com/acme",
		Source:  "techcrunch.com",
	}, hits[0])

	bad, err := search.NewSerper(srv.Client(), search.SerperConfig{APIKey: "wrong", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = bad.Search(context.Background(), "Acme")
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestNewSerperRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := search.NewSerper(nil, search.SerperConfig{})
	assert.Error(t, err)
}

const rss = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>"Acme layoffs" - Google News</title>
<item><title>Acme cuts 200 jobs - TechCrunch</title><link>https://news.google.com/articles/abc</link>
<description>&lt;a href="x"&gt;Acme cuts 200 jobs&lt;/a&gt; amid restructuring</description></item>
<item><title>Second</title><link>https://news.google.com/articles/def</link><description>two</description></item>
<item><title>Third</title><link>https://news.google.com/articles/ghi</link><description>three</description></item>
</channel></rss>`

func TestNewsSearch(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rss))
	}))
	t.Cleanup(srv.Close)

	n := search.NewNews(srv.Client(), srv.URL+"/rss/search", 2)
	hits, err := n.Search(context.Background(), `"Acme layoffs" site:techcrunch.com`)
	require.NoError(t, err)
	assert.Equal(t, `"Acme layoffs" site:techcrunch.com`, gotQuery.Load())
	require.Len(t, hits, 2)
	assert.Equal(t, "Acme cuts 200 jobs amid restructuring", hits[0].Snippet)
	assert.Equal(t, "techcrunch.com", hits[0].Source)

	hits, err = n.Search(context.Background(), `"Acme layoffs"`)
	require.NoError(t, err)
	assert.Equal(t, "news.google.com", hits[0].Source)
}

func TestNewsSearchStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := search.NewNews(srv.Client(), srv.URL, 0).Search(context.Background(), "Acme")
	var te *core.TransientError
	assert.True(t, errors.As(err, &te), "429 should be transient, got %v", err)
}

func TestLimited(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := core.SearcherFunc(func(context.Context, string) ([]core.SearchHit, error) {
		calls.Add(1)
		return nil, nil
	})

	_, wrapped := search.NewLimited(next, 0, 0).(*search.Limited)
	assert.False(t, wrapped, "rps <= 0 should not wrap")

	l := search.NewLimited(next, 1000, 1)
	_, err := l.Search(context.Background(), "q")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Search(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}
