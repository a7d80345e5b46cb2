// Package config loads the workflow definition: step prompts, detection query
// plans, credibility tiers and validation knobs.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

//go:embed workflow.yaml
var defaultWorkflow []byte

// Topic is one line of a detection query plan.
type Topic struct {
	SignalType lead.SignalType `yaml:"signal_type"`
	// Phrase is appended to the company name inside the quoted query.
	Phrase string `yaml:"phrase"`
	// Summary is the description template of heuristic signals.
	Summary  string   `yaml:"summary"`
	Keywords []string `yaml:"keywords"`
	Sources  []string `yaml:"sources"`
}

// Detection is the query plan of one polarity.
type Detection struct {
	AllowedSources []string `yaml:"allowed_sources"`
	Topics         []Topic  `yaml:"topics"`
}

// Credibility lists source domains by tier. Anything not listed is medium.
type Credibility struct {
	High []string `yaml:"high"`
	Low  []string `yaml:"low"`
}

// Scoring ranks qualified leads. See workflow.yaml for the formula.
type Scoring struct {
	Base            float64                     `yaml:"base"`
	ContactBonus    float64                     `yaml:"contact_bonus"`
	MaxContactBonus float64                     `yaml:"max_contact_bonus"`
	Weights         map[lead.SignalType]float64 `yaml:"weights"`
}

func (s Scoring) validate() []error {
	var errs []error
	if s.Base < 0 || s.Base > 100 {
		errs = append(errs, fmt.Errorf("scoring.base must be within [0, 100], got %g", s.Base))
	}
	if s.ContactBonus < 0 || s.MaxContactBonus < 0 {
		errs = append(errs, errors.New("scoring: contact bonuses must not be negative"))
	}
	for t, w := range s.Weights {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("scoring.weights: unknown signal type %q", t))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("scoring.weights.%s must not be negative", t))
		}
	}
	return errs
}

type Steps struct {
	Enrichment        reasoning.StepConfig `yaml:"enrichment"`
	PositiveDetection reasoning.StepConfig `yaml:"positive_detection"`
	NegativeDetection reasoning.StepConfig `yaml:"negative_detection"`
	Validation        reasoning.StepConfig `yaml:"validation"`
}

type Workflow struct {
	MaxQueries      int         `yaml:"max_queries"`
	MaxSignals      int         `yaml:"max_signals"`
	DedupeThreshold float64     `yaml:"dedupe_threshold"`
	Credibility     Credibility `yaml:"credibility"`
	Scoring         Scoring     `yaml:"scoring"`
	Steps           Steps       `yaml:"steps"`
	Detection       struct {
		Positive Detection `yaml:"positive"`
		Negative Detection `yaml:"negative"`
	} `yaml:"detection"`
}

// Default returns the embedded workflow.
func Default() (*Workflow, error) {
	return Parse(defaultWorkflow)
}

// Load reads the workflow at path. An empty path yields the default. Fields
// the file omits keep their default values.
func Load(path string) (*Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow config: %w", err)
	}
	w, err := Default()
	if err != nil {
		return nil, err
	}
	if err := decode(b, w); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Parse decodes and validates a workflow document.
func Parse(b []byte) (*Workflow, error) {
	w := &Workflow{}
	if err := decode(b, w); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func decode(b []byte, w *Workflow) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(w); err != nil {
		return fmt.Errorf("parse workflow config: %w", err)
	}
	return nil
}

// Validate rejects plans that could query outside a polarity's allow-list or
// report signal types the polarity may not carry.
func (w *Workflow) Validate() error {
	var errs []error
	if w.MaxQueries <= 0 {
		errs = append(errs, fmt.Errorf("max_queries must be positive, got %d", w.MaxQueries))
	}
	if w.MaxSignals <= 0 {
		errs = append(errs, fmt.Errorf("max_signals must be positive, got %d", w.MaxSignals))
	}
	if w.DedupeThreshold < 0 || w.DedupeThreshold > 1 {
		errs = append(errs, fmt.Errorf("dedupe_threshold must be within [0, 1], got %g", w.DedupeThreshold))
	}
	for _, p := range []lead.Polarity{lead.PolarityPositive, lead.PolarityNegative} {
		errs = append(errs, w.DetectionFor(p).validate(p)...)
	}
	errs = append(errs, w.Scoring.validate()...)
	return errors.Join(errs...)
}

func (d Detection) validate(p lead.Polarity) []error {
	var errs []error
	if len(d.Topics) == 0 {
		errs = append(errs, fmt.Errorf("detection.%s: no topics", p))
	}
	allowed := make(map[string]bool, len(d.AllowedSources))
	for _, s := range d.AllowedSources {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for i, t := range d.Topics {
		if !p.Allows(t.SignalType) {
			errs = append(errs, fmt.Errorf("detection.%s.topics[%d]: %s signals are not %s", p, i, t.SignalType, p))
		}
		if strings.TrimSpace(t.Phrase) == "" {
			errs = append(errs, fmt.Errorf("detection.%s.topics[%d]: phrase is required", p, i))
		}
		if len(t.Sources) == 0 {
			errs = append(errs, fmt.Errorf("detection.%s.topics[%d]: no sources", p, i))
		}
		for _, s := range t.Sources {
			if !allowed[strings.ToLower(strings.TrimSpace(s))] {
				errs = append(errs, fmt.Errorf("detection.%s.topics[%d]: source %q is not in allowed_sources", p, i, s))
			}
		}
	}
	return errs
}

// DetectionFor returns the query plan of polarity p.
func (w *Workflow) DetectionFor(p lead.Polarity) Detection {
	if p == lead.PolarityNegative {
		return w.Detection.Negative
	}
	return w.Detection.Positive
}

// DetectionStep returns the prompt record of polarity p's detection step.
func (w *Workflow) DetectionStep(p lead.Polarity) reasoning.StepConfig {
	if p == lead.PolarityNegative {
		return w.Steps.NegativeDetection
	}
	return w.Steps.PositiveDetection
}
