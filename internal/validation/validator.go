// Package validation filters detected signals down to the plausible, relevant
// and unique ones and scores the overall confidence.
package validation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/evidence"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

const minContentLen = 30

var (
	fundingRE = regexp.MustCompile(`(?i)[$€£]|\b(seed|series [a-z]|rounds?|investment|raised|raises|funding|valuation|runway|investors?|insolvency|bankruptcy)\b`)
	hiringRE  = regexp.MustCompile(`(?i)\b(hiring|hires?|jobs?|careers?|positions?|roles?|recruit\w*|headcount|openings?)\b`)
)

// Tier is the credibility of a signal's source.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierHigh:
		return "high"
	default:
		return "medium"
	}
}

func (t Tier) weight() float64 {
	switch t {
	case TierLow:
		return 0.1
	case TierHigh:
		return 0.5
	default:
		return 0.3
	}
}

// Rejection explains why a signal was dropped.
type Rejection struct {
	Signal lead.Signal
	Reason error
}

var (
	ErrImplausible = errors.New("implausible")
	ErrIrrelevant  = errors.New("not about the company")
	ErrDuplicate   = errors.New("duplicate")
)

type Validator struct {
	Credibility config.Credibility
	// DedupeThreshold is the token-Jaccard similarity at or above which two
	// signals with the same source URL are duplicates. 0 means exact only.
	DedupeThreshold float64
}

func New(wf *config.Workflow) *Validator {
	return &Validator{Credibility: wf.Credibility, DedupeThreshold: wf.DedupeThreshold}
}

// Validate filters both lists and computes ai_confidence. It never fails;
// when nothing survives the result is lead.FloorValidation().
func (v *Validator) Validate(positive, negative []lead.Signal, company string) lead.ValidationResult {
	res, _ := v.ValidateWithRejections(positive, negative, company)
	return res
}

// ValidateWithRejections is Validate plus the reasons for every dropped signal.
func (v *Validator) ValidateWithRejections(positive, negative []lead.Signal, company string) (lead.ValidationResult, []Rejection) {
	m := evidence.NewMatcher(company)
	var rejected []Rejection

	pos, r := v.filter(positive, lead.PolarityPositive, m)
	rejected = append(rejected, r...)
	neg, r := v.filter(negative, lead.PolarityNegative, m)
	rejected = append(rejected, r...)

	if len(pos)+len(neg) == 0 {
		return lead.FloorValidation(), rejected
	}

	rel := make([]float64, 0, len(pos)+len(neg))
	for _, s := range pos {
		rel = append(rel, v.Reliability(s))
	}
	for _, s := range neg {
		rel = append(rel, v.Reliability(s))
	}
	return lead.ValidationResult{Positive: pos, Negative: neg, AIConfidence: Confidence(rel)}, rejected
}

func (v *Validator) filter(in []lead.Signal, p lead.Polarity, m *evidence.Matcher) ([]lead.Signal, []Rejection) {
	out := make([]lead.Signal, 0, len(in))
	var rejected []Rejection
	for _, s := range in {
		err := v.plausible(s)
		if err == nil && !p.Allows(s.Type) {
			err = implausible("%s signals are not %s", s.Type, p)
		}
		if err == nil {
			err = relevant(s, m)
		}
		if err == nil {
			err = v.unique(s, out)
		}
		if err != nil {
			rejected = append(rejected, Rejection{Signal: s, Reason: err})
			continue
		}
		out = append(out, s)
	}
	return out, rejected
}

func implausible(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrImplausible, fmt.Sprintf(format, args...))
}

func (v *Validator) plausible(s lead.Signal) error {
	if strings.TrimSpace(s.Description) == "" || strings.TrimSpace(s.Source) == "" {
		return implausible("missing description or source")
	}
	if !s.Type.Valid() {
		return implausible("unknown signal type %q", s.Type)
	}
	tier := v.Tier(s)
	if tier == TierLow && strings.TrimSpace(s.SourceURL) == "" {
		return implausible("no source_url for low-credibility source %s", s.Source)
	}

	text := s.Description + " " + s.Details
	hasFigure := evidence.HasFigure(text)
	if tier == TierLow || (!hasFigure && tier != TierHigh) {
		if h := evidence.Hedge(text); h != "" {
			return implausible("hedging language %q without a concrete figure", h)
		}
	}
	if tier != TierHigh && len(strings.TrimSpace(text)) < minContentLen {
		return implausible("content shorter than %d characters from %s source", minContentLen, tier)
	}
	if tier != TierHigh {
		switch s.Type {
		case lead.SignalFunding:
			if !fundingRE.MatchString(text) {
				return implausible("funding signal without amount or round vocabulary")
			}
		case lead.SignalHiring:
			if !hiringRE.MatchString(text) {
				return implausible("hiring signal without hiring vocabulary")
			}
		}
	}
	return nil
}

func relevant(s lead.Signal, m *evidence.Matcher) error {
	if m.Mentioned(s.Description) || m.Mentioned(s.Details) {
		return nil
	}
	return ErrIrrelevant
}

func (v *Validator) unique(s lead.Signal, accepted []lead.Signal) error {
	text := s.Description + " " + s.Details
	for _, a := range accepted {
		if a.Type == s.Type && evidence.Normalize(text) == evidence.Normalize(a.Description+" "+a.Details) {
			return ErrDuplicate
		}
		if !sameURL(a.SourceURL, s.SourceURL) {
			continue
		}
		if v.DedupeThreshold <= 0 {
			if evidence.Normalize(a.Description) == evidence.Normalize(s.Description) {
				return ErrDuplicate
			}
			continue
		}
		if evidence.Jaccard(text, a.Description+" "+a.Details) >= v.DedupeThreshold {
			return ErrDuplicate
		}
	}
	return nil
}

func sameURL(a, b string) bool {
	a, b = urlKey(a), urlKey(b)
	return a != "" && a == b
}

func urlKey(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/")
}

// Tier classifies the signal's source. The source name is tried first and
// the source URL's domain second; anything unlisted is medium.
func (v *Validator) Tier(s lead.Signal) Tier {
	for _, cand := range []string{sourceKey(s.Source), rooturl.Domain(s.SourceURL)} {
		if cand == "" {
			continue
		}
		switch {
		case listed(cand, v.Credibility.High):
			return TierHigh
		case listed(cand, v.Credibility.Low):
			return TierLow
		}
	}
	return TierMedium
}

func sourceKey(source string) string {
	s := strings.ToLower(strings.TrimSpace(source))
	if strings.Contains(s, "://") {
		return rooturl.Domain(s)
	}
	return strings.TrimPrefix(s, "www.")
}

// listed matches exact domains and subdomains. Entries or sources without a
// dot ("crunchbase", "sec_filing") compare against the first label.
func listed(source string, entries []string) bool {
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		switch {
		case source == e, strings.HasSuffix(source, "."+e):
			return true
		case !strings.Contains(e, ".") && firstLabel(source) == e:
			return true
		case !strings.Contains(source, ".") && firstLabel(e) == source:
			return true
		}
	}
	return false
}

func firstLabel(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// Reliability scores one accepted signal in [0, 1] from its source tier, the
// presence of a source URL and of concrete figures.
func (v *Validator) Reliability(s lead.Signal) float64 {
	r := v.Tier(s).weight()
	if strings.TrimSpace(s.SourceURL) != "" {
		r += 0.3
	}
	if evidence.HasFigure(s.Description + " " + s.Details) {
		r += 0.2
	}
	return math.Min(r, 1)
}

// Confidence maps per-signal reliabilities to ai_confidence: the floor plus a
// share that grows with mean reliability and, with diminishing returns, with
// the number of signals.
func Confidence(reliabilities []float64) float64 {
	n := len(reliabilities)
	if n == 0 {
		return lead.ConfidenceFloor
	}
	var sum float64
	for _, r := range reliabilities {
		sum += r
	}
	mean := sum / float64(n)
	c := lead.ConfidenceFloor + (1-lead.ConfidenceFloor)*mean*float64(n)/float64(n+1)
	c = math.Round(c*1000) / 1000
	return math.Max(lead.ConfidenceFloor, math.Min(1, c))
}
