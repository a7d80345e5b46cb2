// Package lead defines the records that flow through a qualification run:
// the intake Lead, the per-step results, and the terminal Qualification.
package lead

import (
	"fmt"
	"strings"
)

// ConfidenceFloor is the ai_confidence reported when no signal survives
// validation. It means "uncertain", not "confirmed absent".
const ConfidenceFloor = 0.3

// Lead is a prospective customer record produced by an upstream intake form.
//
// Only Company and Website are interpreted; every other intake field rides
// along in Extra untouched.
type Lead struct {
	ID      string            `json:"id,omitempty"`
	Company string            `json:"company"`
	Website string            `json:"website,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// SignalType classifies a piece of evidence about a company.
type SignalType string

const (
	SignalFunding          SignalType = "funding"
	SignalLayoffs          SignalType = "layoffs"
	SignalHiring           SignalType = "hiring"
	SignalProductLaunch    SignalType = "product_launch"
	SignalCustomerFeedback SignalType = "customer_feedback"
	SignalPartnership      SignalType = "partnership"
	SignalIPPatent         SignalType = "ip_patent"
)

// SignalTypes lists every known signal type in declaration order.
func SignalTypes() []SignalType {
	return []SignalType{
		SignalFunding,
		SignalLayoffs,
		SignalHiring,
		SignalProductLaunch,
		SignalCustomerFeedback,
		SignalPartnership,
		SignalIPPatent,
	}
}

// ParseSignalType accepts the canonical lower-case name of a signal type.
func ParseSignalType(raw string) (SignalType, error) {
	s := SignalType(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("unknown signal type %q", raw)
}

func (t SignalType) Valid() bool {
	switch t {
	case SignalFunding, SignalLayoffs, SignalHiring, SignalProductLaunch,
		SignalCustomerFeedback, SignalPartnership, SignalIPPatent:
		return true
	}
	return false
}

// Polarity selects which half of the detection pair a step runs as.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

func (p Polarity) Valid() bool {
	return p == PolarityPositive || p == PolarityNegative
}

// Allows reports whether a detector of this polarity may report signals of type t.
func (p Polarity) Allows(t SignalType) bool {
	switch p {
	case PolarityPositive:
		switch t {
		case SignalFunding, SignalHiring, SignalProductLaunch, SignalCustomerFeedback,
			SignalPartnership, SignalIPPatent:
			return true
		}
	case PolarityNegative:
		switch t {
		case SignalLayoffs, SignalFunding, SignalHiring, SignalProductLaunch, SignalCustomerFeedback:
			return true
		}
	}
	return false
}

// Signal is one discrete piece of evidence about a company's trajectory.
//
// Details holds derived evidence (matched terms, figures), never a raw
// search snippet.
type Signal struct {
	Type        SignalType `json:"signal_type"`
	Description string     `json:"description"`
	Details     string     `json:"details"`
	Source      string     `json:"source"`
	SourceURL   string     `json:"source_url"`
}

// EnrichmentResult is the website metadata gathered for a lead.
type EnrichmentResult struct {
	Metadata    map[string]string `json:"metadata"`
	SEOKeywords []string          `json:"seo_keywords"`
}

// DefaultEnrichment is the result reported whenever enrichment cannot run.
func DefaultEnrichment() EnrichmentResult {
	return EnrichmentResult{
		Metadata:    map[string]string{},
		SEOKeywords: []string{},
	}
}

// IsEmpty reports whether r carries no metadata and no keywords.
func (r EnrichmentResult) IsEmpty() bool {
	return len(r.Metadata) == 0 && len(r.SEOKeywords) == 0
}

// DetectionResult is the output of one detection step.
type DetectionResult struct {
	Signals []Signal `json:"detected_signals"`
}

// EmptyDetection is the result reported whenever detection cannot run.
func EmptyDetection() DetectionResult {
	return DetectionResult{Signals: []Signal{}}
}

// ValidationResult is the output of the validation step.
type ValidationResult struct {
	Positive     []Signal `json:"validated_positive_signals"`
	Negative     []Signal `json:"validated_negative_signals"`
	AIConfidence float64  `json:"ai_confidence"`
}

// FloorValidation is the result when no signal survived validation.
func FloorValidation() ValidationResult {
	return ValidationResult{
		Positive:     []Signal{},
		Negative:     []Signal{},
		AIConfidence: ConfidenceFloor,
	}
}

// Qualification is the terminal output of a run: the lead identity plus the
// union of the enrichment and validation results.
type Qualification struct {
	LeadID  string `json:"lead_id,omitempty"`
	Company string `json:"company"`
	Website string `json:"website,omitempty"`
	RootURL string `json:"root_url,omitempty"`

	EnrichmentResult
	ValidationResult

	// Assessment is set by batch and compute runs after qualification.
	Assessment *Assessment `json:"assessment,omitempty"`
}

// SignalCount is the number of validated signals of either polarity.
func (q Qualification) SignalCount() int {
	return len(q.Positive) + len(q.Negative)
}
