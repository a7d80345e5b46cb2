package detection

import (
	"context"
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/evidence"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

// extract turns hits into signals without a reasoning collaborator. A hit
// becomes a signal only when it carries an evidence keyword of a topic; the
// topic whose query found it is tried first.
func (s *Step) extract(company string, hits []hit) lead.DetectionResult {
	out := lead.EmptyDetection()
	for _, h := range hits {
		if sig, ok := s.signalFrom(company, h); ok {
			out.Signals = append(out.Signals, sig)
		}
	}
	return out
}

func (s *Step) signalFrom(company string, h hit) (lead.Signal, bool) {
	text := strings.ToLower(h.Title + " " + h.Snippet)
	for _, i := range topicOrder(h.topic, len(s.Plan.Topics)) {
		t := s.Plan.Topics[i]
		if !s.Polarity.Allows(t.SignalType) {
			continue
		}
		matched := matchedTerms(text, t.Keywords)
		if len(matched) == 0 {
			continue
		}
		return lead.Signal{
			Type:        t.SignalType,
			Description: describe(t, company),
			Details:     details(matched, evidence.Figures(h.Title+" "+h.Snippet), evidence.Hedge(h.Title+" "+h.Snippet), h.Source),
			Source:      h.Source,
			SourceURL:   strings.TrimSpace(h.URL),
		}, true
	}
	return lead.Signal{}, false
}

func topicOrder(first, n int) []int {
	order := make([]int, 0, n)
	if first >= 0 && first < n {
		order = append(order, first)
	}
	for i := 0; i < n; i++ {
		if i != first {
			order = append(order, i)
		}
	}
	return order
}

func matchedTerms(lowerText string, keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if evidence.ContainsTerm(lowerText, k) {
			out = append(out, strings.ToLower(strings.TrimSpace(k)))
		}
	}
	return out
}

func describe(t config.Topic, company string) string {
	if d := strings.TrimSpace(reasoning.Render(t.Summary, reasoning.Vars{Company: company})); d != "" {
		return d
	}
	return fmt.Sprintf("%s %s signal", company, strings.ReplaceAll(string(t.SignalType), "_", " "))
}

// details summarizes why a hit counted as a signal. It is built from derived
// values only; the hit's title and snippet are never copied.
func details(matched, figures []string, hedge, publisher string) string {
	parts := []string{"matched: " + strings.Join(matched, ", ")}
	if figures = uniqueFold(figures); len(figures) > 0 {
		parts = append(parts, "figures: "+strings.Join(figures, ", "))
	}
	if hedge != "" {
		parts = append(parts, "hedged: "+hedge)
	}
	if p := strings.TrimSpace(publisher); p != "" {
		parts = append(parts, "publisher: "+p)
	}
	return strings.Join(parts, "; ")
}

func uniqueFold(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		k := strings.ToLower(s)
		if !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

func (s *Step) reason(ctx context.Context, company string, hits []hit) (lead.DetectionResult, error) {
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	supporting := make([]core.SearchHit, len(hits))
	for i, h := range hits {
		supporting[i] = h.SearchHit
	}
	p := s.Polarity
	return reasoning.Invoke(ctx, s.Reasoner, s.Prompt, reasoning.Vars{Company: company}, supporting,
		reasoning.DetectionSchema(p),
		func(b []byte) (lead.DetectionResult, error) { return lead.DecodeDetection(b, p) })
}
