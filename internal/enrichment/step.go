// Package enrichment gathers SEO metadata from the root page of a lead's website.
package enrichment

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/metadata"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

// maxPageText bounds the visible page text offered to the reasoner.
const maxPageText = 4000

type Step struct {
	Scraper core.Scraper

	// Reasoner is optional. When set, it reads the extracted metadata and the
	// page's visible text and may add keywords and metadata the markup does
	// not declare. Extracted values always win.
	Reasoner core.Reasoner
	Prompt   reasoning.StepConfig

	// CallTimeout bounds each collaborator call. <= 0 means no timeout beyond ctx.
	CallTimeout time.Duration

	Logger *zap.Logger
}

// Run never fails: an unusable website or an unavailable scraper yields the
// default result, and a failed reasoning pass leaves the extracted result.
// Only the root page is fetched, and at most once.
func (s *Step) Run(ctx context.Context, website string) lead.EnrichmentResult {
	log := logging.OrNop(s.Logger).With(zap.String("step", "enrichment"))

	root, ok := rooturl.Normalize(website)
	if !ok {
		log.Debug("no usable website", zap.String("website", website))
		return lead.DefaultEnrichment()
	}

	markup, err := s.fetch(ctx, root.String())
	if err != nil {
		log.Warn("scrape failed", zap.String("url", root.String()), zap.String("error", redact.Secrets(err.Error())))
		return lead.DefaultEnrichment()
	}
	out := metadata.Extract(markup)
	if s.Reasoner == nil {
		return out
	}

	page := pageContext{
		Metadata:    out.Metadata,
		SEOKeywords: out.SEOKeywords,
		Text:        redact.Truncate(metadata.PlainText(markup), maxPageText),
	}
	inferred, err := s.reason(ctx, root, page)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("reasoning failed, keeping extracted metadata", zap.String("error", redact.Secrets(err.Error())))
		}
		return out
	}
	return merge(out, inferred)
}

type pageContext struct {
	Metadata    map[string]string `json:"metadata"`
	SEOKeywords []string          `json:"seo_keywords"`
	Text        string            `json:"visible_text"`
}

func (s *Step) fetch(ctx context.Context, url string) (string, error) {
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	return s.Scraper.Fetch(ctx, url)
}

func (s *Step) reason(ctx context.Context, root rooturl.Root, page pageContext) (lead.EnrichmentResult, error) {
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	return reasoning.Invoke(ctx, s.Reasoner, s.Prompt, reasoning.Vars{Website: root.String()}, page,
		reasoning.EnrichmentSchema(), lead.DecodeEnrichment)
}

// merge adds what the reasoner inferred to what the markup declared.
func merge(extracted, inferred lead.EnrichmentResult) lead.EnrichmentResult {
	out := lead.EnrichmentResult{
		Metadata:    make(map[string]string, len(extracted.Metadata)+len(inferred.Metadata)),
		SEOKeywords: make([]string, 0, len(extracted.SEOKeywords)+len(inferred.SEOKeywords)),
	}
	for k, v := range inferred.Metadata {
		if v = strings.TrimSpace(v); v != "" {
			out.Metadata[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	for k, v := range extracted.Metadata {
		out.Metadata[k] = v
	}

	seen := make(map[string]bool)
	for _, kw := range append(append([]string{}, extracted.SEOKeywords...), inferred.SEOKeywords...) {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[strings.ToLower(kw)] {
			continue
		}
		seen[strings.ToLower(kw)] = true
		out.SEOKeywords = append(out.SEOKeywords, kw)
	}
	return out
}
