package httpx_test

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/httpx"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

func response(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestCheckResponse(t *testing.T) {
	t.Parallel()

	if err := httpx.CheckResponse("search", response(200, "{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := httpx.CheckResponse("search", response(401, `{"message":"Unauthorized. X-API-KEY: sk-live-1"}`))
	var se *httpx.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.StatusCode != 401 || strings.Contains(err.Error(), "sk-live-1") {
		t.Fatalf("unexpected error: %v", err)
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		t.Fatalf("401 must not be transient")
	}

	err = httpx.CheckResponse("search", response(503, "upstream overloaded"))
	if !errors.As(err, &te) {
		t.Fatalf("503 should be transient, got %T", err)
	}
	if !strings.Contains(err.Error(), "body=upstream overloaded") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	t.Parallel()

	err := httpx.NewStatusError("fetch", response(500, ""), []byte(strings.Repeat("x", 1000)))
	var se *httpx.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if len(se.Snippet) != 256+len("...") {
		t.Fatalf("unexpected snippet length %d", len(se.Snippet))
	}
}
