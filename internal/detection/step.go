// Package detection searches the web for positive or negative signals about a
// company and turns the hits that are specifically about it into Signals.
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/evidence"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

type Step struct {
	Polarity lead.Polarity
	Plan     config.Detection
	Prompt   reasoning.StepConfig

	MaxQueries int
	MaxSignals int

	Searcher core.Searcher
	// Reasoner is optional. When nil, signals are extracted heuristically.
	Reasoner core.Reasoner

	// CallTimeout bounds each collaborator call. <= 0 means no timeout beyond ctx.
	CallTimeout time.Duration

	Logger *zap.Logger
}

// New builds the detection step of polarity p from the workflow.
func New(p lead.Polarity, wf *config.Workflow, s core.Searcher, r core.Reasoner) *Step {
	return &Step{
		Polarity:   p,
		Plan:       wf.DetectionFor(p),
		Prompt:     wf.DetectionStep(p),
		MaxQueries: wf.MaxQueries,
		MaxSignals: wf.MaxSignals,
		Searcher:   s,
		Reasoner:   r,
	}
}

// Run returns the signals found about company. Search and reasoning failures
// are absorbed and yield the empty result. The error is non-nil only when ctx
// ends or the reasoning collaborator answers outside the schema.
func (s *Step) Run(ctx context.Context, company string) (lead.DetectionResult, error) {
	company = strings.TrimSpace(company)
	log := logging.OrNop(s.Logger).With(
		zap.String("step", s.stepName()),
		zap.String("company", company),
	)
	if company == "" {
		return lead.EmptyDetection(), nil
	}

	hits, err := s.search(ctx, company)
	if err != nil {
		if ctx.Err() != nil {
			return lead.EmptyDetection(), ctx.Err()
		}
		log.Warn("search failed, reporting no signals", zap.String("error", redact.Secrets(err.Error())))
		return lead.EmptyDetection(), nil
	}

	m := evidence.NewMatcher(company)
	hits = relevant(hits, m)
	if len(hits) == 0 {
		log.Debug("no hits about the company")
		return lead.EmptyDetection(), nil
	}

	var out lead.DetectionResult
	if s.Reasoner != nil {
		out, err = s.reason(ctx, company, hits)
		switch {
		case ctx.Err() != nil:
			return lead.EmptyDetection(), ctx.Err()
		case errors.Is(err, lead.ErrSchemaViolation):
			return lead.EmptyDetection(), err
		case err != nil:
			log.Warn("reasoning failed, reporting no signals", zap.String("error", redact.Secrets(err.Error())))
			return lead.EmptyDetection(), nil
		}
	} else {
		out = s.extract(company, hits)
	}

	if max := s.MaxSignals; max > 0 && len(out.Signals) > max {
		out.Signals = out.Signals[:max]
	}
	log.Debug("detection done", zap.Int("hits", len(hits)), zap.Int("signals", len(out.Signals)))
	return out, nil
}

func (s *Step) stepName() string {
	if s.Prompt.Name != "" {
		return s.Prompt.Name
	}
	return string(s.Polarity) + "_detection"
}

// hit is a search result tagged with the plan topic whose query found it.
type hit struct {
	core.SearchHit
	topic int
}

type query struct {
	text  string
	topic int
}

// Queries returns the bounded query plan for company: one query per topic
// source, interleaved across topics so truncation keeps every topic covered.
func (s *Step) Queries(company string) []string {
	qs := s.plan(company)
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.text
	}
	return out
}

func (s *Step) plan(company string) []query {
	name := strings.Join(strings.Fields(strings.ReplaceAll(company, `"`, "")), " ")
	var out []query
	for round := 0; ; round++ {
		added := false
		for i, t := range s.Plan.Topics {
			if round >= len(t.Sources) {
				continue
			}
			added = true
			if s.MaxQueries > 0 && len(out) >= s.MaxQueries {
				return out
			}
			out = append(out, query{
				text:  fmt.Sprintf(`"%s %s" site:%s`, name, strings.TrimSpace(t.Phrase), strings.TrimSpace(t.Sources[round])),
				topic: i,
			})
		}
		if !added {
			return out
		}
	}
}

// search runs every planned query and de-duplicates hits by URL. The first
// failing query aborts the step.
func (s *Step) search(ctx context.Context, company string) ([]hit, error) {
	seen := map[string]bool{}
	var out []hit
	for _, q := range s.plan(company) {
		res, err := s.searchOnce(ctx, q.text)
		if err != nil {
			return nil, err
		}
		for _, h := range res {
			key := urlKey(h.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if strings.TrimSpace(h.Source) == "" {
				h.Source = rooturl.Domain(h.URL)
			}
			out = append(out, hit{SearchHit: h, topic: q.topic})
		}
	}
	return out, nil
}

func (s *Step) searchOnce(ctx context.Context, q string) ([]core.SearchHit, error) {
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	return s.Searcher.Search(ctx, q)
}

func urlKey(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	return strings.ToLower(u)
}

// relevant keeps hits that name the company or come from its own domain.
func relevant(hits []hit, m *evidence.Matcher) []hit {
	out := hits[:0:0]
	for _, h := range hits {
		if m.Mentioned(h.Title) || m.Mentioned(h.Snippet) || m.OwnsDomain(rooturl.Domain(h.URL)) {
			out = append(out, h)
		}
	}
	return out
}
