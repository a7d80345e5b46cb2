// Package mockcollab serves stand-ins for the external collaborators of a
// qualification run: company websites and a Serper-compatible search API.
//
// Website requests are matched on the Host header, so point an HTTP client at
// the server as its proxy and every lead website resolves here.
package mockcollab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Call records a request made to the mock server.
type Call struct {
	Method string
	Host   string
	Path   string
	// Query is the search query for /search calls.
	Query string
}

// Organic is one search result, in Serper's wire shape.
type Organic struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type Server struct {
	mu      sync.Mutex
	calls   []Call
	pages   map[string]string
	results map[string][]Organic
	apiKey  string
	// failSearch makes /search answer with this status when non-zero.
	failSearch int
}

func New() *Server {
	return &Server{
		pages:   make(map[string]string),
		results: make(map[string][]Organic),
	}
}

// SetPage serves markup as the root page of host.
func (s *Server) SetPage(host, markup string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[normalizeHost(host)] = markup
}

// SetResults answers query with results. Unknown queries get no results.
func (s *Server) SetResults(query string, results []Organic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[strings.TrimSpace(query)] = results
}

// RequireAPIKey enforces the X-API-KEY header on /search. An empty key
// disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = strings.TrimSpace(key)
}

// FailSearch makes every /search call answer with status. Zero restores
// normal answers.
func (s *Server) FailSearch(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSearch = status
}

// LoadDir loads fixtures from dir: every sites/<host>.html becomes a page and
// search.json, a map from query to results, seeds the search answers.
// Missing parts are skipped.
func (s *Server) LoadDir(dir string) error {
	pages, err := filepath.Glob(filepath.Join(dir, "sites", "*.html"))
	if err != nil {
		return err
	}
	for _, p := range pages {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		s.SetPage(strings.TrimSuffix(filepath.Base(p), ".html"), string(b))
	}

	b, err := os.ReadFile(filepath.Join(dir, "search.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var byQuery map[string][]Organic
	if err := json.Unmarshal(b, &byQuery); err != nil {
		return fmt.Errorf("parse search.json: %w", err)
	}
	for q, res := range byQuery {
		s.SetResults(q, res)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/search" {
			s.handleSearch(w, r)
			return
		}
		s.handlePage(w, r)
	})
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Queries returns the search queries received, in order.
func (s *Server) Queries() []string {
	var out []string
	for _, c := range s.Calls() {
		if c.Path == "/search" {
			out = append(out, c.Query)
		}
	}
	return out
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)
	if r.URL.IsAbs() {
		host = normalizeHost(r.URL.Host)
	}
	s.record(Call{Method: r.Method, Host: host, Path: r.URL.Path})

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	markup, ok := s.pages[host]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, markup)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Q   string `json:"q"`
		Num int    `json:"num"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.record(Call{Method: r.Method, Host: normalizeHost(r.Host), Path: r.URL.Path})
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	s.record(Call{Method: r.Method, Host: normalizeHost(r.Host), Path: r.URL.Path, Query: req.Q})

	s.mu.Lock()
	wantKey, failStatus := s.apiKey, s.failSearch
	results := s.results[strings.TrimSpace(req.Q)]
	s.mu.Unlock()

	if wantKey != "" && r.Header.Get("X-API-KEY") != wantKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized."})
		return
	}
	if failStatus != 0 {
		writeJSON(w, failStatus, map[string]string{"message": http.StatusText(failStatus)})
		return
	}
	if req.Num > 0 && len(results) > req.Num {
		results = results[:req.Num]
	}
	if results == nil {
		results = []Organic{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"searchParameters": map[string]any{"q": req.Q, "num": req.Num},
		"organic":          results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimPrefix(h, "www.")
}
