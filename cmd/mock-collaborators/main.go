package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/mockcollab"
)

func main() {
	addr := defaultString("MOCK_COLLAB_ADDR", ":8080")
	fixtures := defaultString("MOCK_COLLAB_FIXTURES", "")
	apiKey := defaultString("MOCK_COLLAB_API_KEY", "")

	fs := flag.NewFlagSet("mock-collaborators", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&fixtures, "fixtures", fixtures, "Directory holding sites/<host>.html pages and search.json")
	fs.StringVar(&apiKey, "api-key", apiKey, "Required X-API-KEY for /search; empty accepts any")
	_ = fs.Parse(os.Args[1:])

	srv := mockcollab.New()
	srv.RequireAPIKey(apiKey)
	if fixtures != "" {
		if err := srv.LoadDir(fixtures); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "load fixtures: %v\n", err)
			os.Exit(2)
		}
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-collaborators listening on %s (fixtures=%q)\n", addr, fixtures)
	_, _ = fmt.Fprintf(os.Stdout, "  search: SERPER_BASE_URL=http://localhost%s\n  sites:  HTTP_PROXY=http://localhost%s\n", portOf(addr), portOf(addr))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
