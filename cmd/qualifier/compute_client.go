package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
)

type computeModuleJobEnvelope struct {
	ComputeModuleJobV1 computeModuleJobV1 `json:"computeModuleJobV1"`
}

type computeModuleJobV1 struct {
	JobID     string          `json:"jobId"`
	QueryType string          `json:"queryType"`
	Query     json.RawMessage `json:"query"`
}

type computeModuleClientConfig struct {
	GetJobURI       string
	PostResultURI   string
	ModuleAuthToken string
	DefaultCAPath   string
}

func loadComputeModuleClientConfig(getenv environ) (computeModuleClientConfig, error) {
	getJob, err := loopbackIPv4(getenv.envString("GET_JOB_URI", ""))
	if err != nil {
		return computeModuleClientConfig{}, fmt.Errorf("invalid GET_JOB_URI: %w", err)
	}
	postRes, err := loopbackIPv4(getenv.envString("POST_RESULT_URI", ""))
	if err != nil {
		return computeModuleClientConfig{}, fmt.Errorf("invalid POST_RESULT_URI: %w", err)
	}
	if getJob == "" || postRes == "" {
		return computeModuleClientConfig{}, fmt.Errorf("GET_JOB_URI and POST_RESULT_URI are required")
	}

	modTok, err := readValueOrFile(getenv.envString("MODULE_AUTH_TOKEN", ""))
	if err != nil {
		return computeModuleClientConfig{}, fmt.Errorf("MODULE_AUTH_TOKEN: %w", err)
	}
	if modTok == "" {
		return computeModuleClientConfig{}, fmt.Errorf("MODULE_AUTH_TOKEN is required")
	}

	return computeModuleClientConfig{
		GetJobURI:       getJob,
		PostResultURI:   postRes,
		ModuleAuthToken: modTok,
		DefaultCAPath:   getenv.envString("DEFAULT_CA_PATH", ""),
	}, nil
}

// loopbackIPv4 rewrites localhost and ::1 to 127.0.0.1. The job sidecar
// listens on IPv4 loopback only, while "localhost" may resolve to ::1 first.
func loopbackIPv4(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if host := u.Hostname(); host == "localhost" || host == "::1" {
		port := u.Port()
		u.Host = "127.0.0.1"
		if port != "" {
			u.Host += ":" + port
		}
	}
	return u.String(), nil
}

// readValueOrFile returns v, or the trimmed contents of the file v names.
func readValueOrFile(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if st, err := os.Stat(v); err == nil && !st.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}

type jobHandler func(ctx context.Context, job computeModuleJobV1) ([]byte, error)

func runComputeModuleClientLoop(ctx context.Context, hc *http.Client, cfg computeModuleClientConfig, handleJob jobHandler, log *zap.Logger) error {
	log.Info("compute module client polling", zap.String("get_job_uri", cfg.GetJobURI))

	const idle = 500 * time.Millisecond
	backoff := idle
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, err := getNextJob(ctx, hc, cfg.GetJobURI, cfg.ModuleAuthToken)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("get job failed", zap.String("error", redact.Secrets(err.Error())), zap.Duration("backoff", backoff))
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = idle
		if !ok {
			if err := sleep(ctx, idle); err != nil {
				return err
			}
			continue
		}

		jobID := strings.TrimSpace(job.JobID)
		if jobID == "" {
			log.Warn("received job without jobId; skipping")
			continue
		}

		jlog := log.With(zap.String("job_id", jobID), zap.String("query_type", strings.TrimSpace(job.QueryType)))
		jlog.Info("job received")
		start := time.Now()
		result, jobErr := handleJob(ctx, job)
		if jobErr != nil {
			msg := redact.Secrets(jobErr.Error())
			jlog.Warn("job failed", zap.String("error", msg), zap.Duration("duration", time.Since(start)))
			// The platform records a failure only if a result is posted.
			if len(result) == 0 {
				result, _ = json.Marshal(map[string]string{"status": "error", "error": msg})
			}
		} else {
			jlog.Info("job done", zap.Duration("duration", time.Since(start)))
		}

		if err := postResultWithRetry(ctx, hc, cfg, jobID, result, jlog); err != nil {
			return err
		}
	}
}

func postResultWithRetry(ctx context.Context, hc *http.Client, cfg computeModuleClientConfig, jobID string, result []byte, log *zap.Logger) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = postResult(ctx, hc, cfg.PostResultURI, cfg.ModuleAuthToken, jobID, result); err == nil {
			return nil
		}
		log.Warn("post result failed", zap.Int("attempt", i+1), zap.String("error", redact.Secrets(err.Error())))
		if serr := sleep(ctx, time.Duration(i+1)*time.Second); serr != nil {
			return serr
		}
	}
	log.Error("giving up on result", zap.String("error", redact.Secrets(err.Error())))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newComputeModuleHTTPClient trusts the CA bundle at caPath, or the system
// roots when caPath is empty.
func newComputeModuleHTTPClient(caPath string) (*http.Client, error) {
	if caPath == "" {
		return &http.Client{Timeout: 30 * time.Second}, nil
	}
	b, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read DEFAULT_CA_PATH: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}, nil
}

func getNextJob(ctx context.Context, hc *http.Client, getJobURI, moduleAuthToken string) (computeModuleJobV1, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getJobURI, nil)
	if err != nil {
		return computeModuleJobV1{}, false, err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return computeModuleJobV1{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return computeModuleJobV1{}, false, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return computeModuleJobV1{}, false, err
	}
	if resp.StatusCode/100 != 2 {
		return computeModuleJobV1{}, false, fmt.Errorf("GET job: status=%d body=%s", resp.StatusCode, redact.Truncate(string(b), 200))
	}

	var env computeModuleJobEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return computeModuleJobV1{}, false, fmt.Errorf("parse GET job response: %w", err)
	}
	return env.ComputeModuleJobV1, true, nil
}

func postResult(ctx context.Context, hc *http.Client, postResultURI, moduleAuthToken, jobID string, result []byte) error {
	base := strings.TrimRight(strings.TrimSpace(postResultURI), "/")
	u := base + "/" + path.Clean("/" + jobID)[1:]

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(result))
	if err != nil {
		return err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST result: status=%d body=%s", resp.StatusCode, redact.Truncate(string(b), 200))
	}
	return nil
}
