// Package httpx holds the HTTP plumbing shared by the scraper and search adapters.
package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
)

const snippetMax = 256

// apiErrorEnvelope covers the common JSON error bodies returned by search APIs.
type apiErrorEnvelope struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// StatusError is a sanitized summary of a non-2xx collaborator response.
//
// Important: do not include raw response bodies here (can leak PII/tokens).
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string

	// Snippet is a redacted, truncated hint for responses without a JSON message.
	Snippet string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "http error"
	}
	parts := []string{
		fmt.Sprintf("http error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// Retryable reports whether the status is worth another attempt (429 or 5xx).
func (e *StatusError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode/100 == 5
}

// NewStatusError builds a StatusError from a response and up to snippetMax
// bytes of its body.
func NewStatusError(op string, resp *http.Response, body []byte) error {
	e := &StatusError{Op: op}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.Status = resp.Status
	}

	var env apiErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		msg := strings.TrimSpace(env.Message)
		if msg == "" {
			msg = strings.TrimSpace(env.Error)
		}
		if msg != "" {
			e.Message = redact.Truncate(redact.Secrets(msg), snippetMax)
			return e
		}
	}

	e.Snippet = redactAndTruncate(body)
	return e
}

// CheckResponse returns nil for 2xx responses. Otherwise it drains a small
// prefix of the body and returns a *StatusError, wrapped as transient when the
// status is retryable.
func CheckResponse(op string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetMax+1))
	err := NewStatusError(op, resp, body)
	if se, ok := err.(*StatusError); ok && se.Retryable() {
		return &core.TransientError{Err: err}
	}
	return err
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	b := body
	if len(b) > snippetMax {
		b = b[:snippetMax]
	}
	s := redact.Truncate(redact.Secrets(string(b)), 0)
	if s == "" {
		return ""
	}
	if len(body) > snippetMax {
		return s + "..."
	}
	return s
}
