package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
)

// settings are the environment-derived defaults; flags override them.
type settings struct {
	pipeline    pipeline.Options
	callTimeout time.Duration

	searchBackend string
	serperAPIKey  string
	serperBaseURL string
	newsBaseURL   string
	searchRPS     float64

	scraper           string
	browserControlURL string

	geminiAPIKey  string
	geminiModel   string
	geminiBaseURL string

	workflowPath string
	storePath    string
	contactsPath string
	logLevel     string
	logFormat    string
}

type environ func(string) string

func loadSettings(getenv environ) (settings, error) {
	var (
		s    settings
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	s.pipeline.Workers, err = getenv.envInt("WORKERS", 4)
	collect(err)
	s.pipeline.MaxRetries, err = getenv.envInt("MAX_RETRIES", 0)
	collect(err)
	s.pipeline.RequestTimeout, err = getenv.envDuration("REQUEST_TIMEOUT", 2*time.Minute)
	collect(err)
	s.pipeline.RateLimitRPS, err = getenv.envFloat("RATE_LIMIT_RPS", 0)
	collect(err)
	s.pipeline.FailFast, err = getenv.envBool("FAIL_FAST")
	collect(err)
	s.callTimeout, err = getenv.envDuration("CALL_TIMEOUT", 30*time.Second)
	collect(err)
	s.searchRPS, err = getenv.envFloat("SEARCH_RPS", 0)
	collect(err)
	if len(errs) > 0 {
		return settings{}, errs[0]
	}

	s.serperAPIKey = getenv.envString("SERPER_API_KEY", "")
	s.serperBaseURL = getenv.envString("SERPER_BASE_URL", "")
	s.newsBaseURL = getenv.envString("NEWS_BASE_URL", "")
	s.searchBackend = getenv.envString("SEARCH_BACKEND", "")
	if s.searchBackend == "" {
		s.searchBackend = "news"
		if s.serperAPIKey != "" {
			s.searchBackend = "serper"
		}
	}
	s.scraper = getenv.envString("SCRAPER", "http")
	s.browserControlURL = getenv.envString("BROWSER_CONTROL_URL", "")
	s.geminiAPIKey = getenv.envString("GEMINI_API_KEY", "")
	s.geminiModel = getenv.envString("GEMINI_MODEL", "")
	s.geminiBaseURL = getenv.envString("GEMINI_BASE_URL", "")
	s.workflowPath = getenv.envString("WORKFLOW_CONFIG", "")
	s.storePath = getenv.envString("STORE_PATH", "")
	s.contactsPath = getenv.envString("CONTACTS_PATH", "")
	s.logLevel = getenv.envString("LOG_LEVEL", "info")
	s.logFormat = getenv.envString("LOG_FORMAT", "json")
	return s, nil
}

func (e environ) envString(name, fallback string) string {
	v := strings.TrimSpace(e(name))
	if v == "" {
		return fallback
	}
	return v
}

func (e environ) envInt(name string, fallback int) (int, error) {
	v := strings.TrimSpace(e(name))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return out, nil
}

func (e environ) envFloat(name string, fallback float64) (float64, error) {
	v := strings.TrimSpace(e(name))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return out, nil
}

func (e environ) envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(e(name))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return out, nil
}

func (e environ) envBool(name string) (bool, error) {
	v := strings.TrimSpace(e(name))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return out, nil
}
