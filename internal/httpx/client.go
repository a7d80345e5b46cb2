package httpx

import (
	"net/http"
	"time"
)

// UserAgent is sent on every outbound collaborator request.
const UserAgent = "lead-qualifier/1.0 (+https://github.com/palantir/palantir-compute-module-lead-qualification)"

// NewClient returns an http.Client with sane transport timeouts. Callers bound
// whole requests with their context.
func NewClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}
}
