package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/httpx"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/orchestrator"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning/gemini"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/scrape"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/search"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

// buildCollaborators constructs the scraper, searcher and optional reasoner
// named by s. The returned func releases them.
func buildCollaborators(ctx context.Context, s settings, log *zap.Logger) (orchestrator.Collaborators, func(), error) {
	client := httpx.NewClient(0)
	closeFn := func() {}

	var scraper core.Scraper
	switch strings.ToLower(s.scraper) {
	case "", "http":
		scraper = scrape.NewHTTP(client)
	case "browser":
		b := &scrape.Browser{ControlURL: s.browserControlURL, NavigationTimeout: s.callTimeout, Logger: log}
		scraper = b
		closeFn = func() { _ = b.Close() }
	default:
		return orchestrator.Collaborators{}, nil, fmt.Errorf("unknown SCRAPER %q (want http or browser)", s.scraper)
	}

	var searcher core.Searcher
	switch strings.ToLower(s.searchBackend) {
	case "serper":
		serper, err := search.NewSerper(client, search.SerperConfig{APIKey: s.serperAPIKey, BaseURL: s.serperBaseURL})
		if err != nil {
			closeFn()
			return orchestrator.Collaborators{}, nil, err
		}
		searcher = serper
	case "news":
		searcher = search.NewNews(client, s.newsBaseURL, 0)
	default:
		closeFn()
		return orchestrator.Collaborators{}, nil, fmt.Errorf("unknown SEARCH_BACKEND %q (want serper or news)", s.searchBackend)
	}
	searcher = search.NewLimited(searcher, s.searchRPS, 1)

	var reasoner core.Reasoner
	if s.geminiAPIKey != "" {
		r, err := gemini.New(ctx, gemini.Config{APIKey: s.geminiAPIKey, Model: s.geminiModel, BaseURL: s.geminiBaseURL})
		if err != nil {
			closeFn()
			return orchestrator.Collaborators{}, nil, err
		}
		reasoner = r
		log.Info("reasoning enabled", zap.String("model", r.Model()))
	} else {
		log.Info("reasoning disabled; using heuristic detection and deterministic validation")
	}

	log.Info("collaborators ready",
		zap.String("scraper", s.scraper),
		zap.String("search_backend", s.searchBackend),
		zap.Float64("search_rps", s.searchRPS),
	)
	return orchestrator.Collaborators{Scraper: scraper, Searcher: searcher, Reasoner: reasoner}, closeFn, nil
}
