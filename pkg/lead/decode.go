package lead

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrSchemaViolation matches every *SchemaViolationError.
var ErrSchemaViolation = errors.New("schema violation")

// SchemaViolationError reports a reasoning answer that does not conform to
// the schema its step expects. Unlike collaborator outages it is surfaced to
// the orchestrator.
type SchemaViolationError struct {
	Schema string
	Err    error
}

func (e *SchemaViolationError) Error() string {
	if e == nil {
		return ErrSchemaViolation.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrSchemaViolation, e.Schema)
	}
	return fmt.Sprintf("%s: %s: %v", ErrSchemaViolation, e.Schema, e.Err)
}

func (e *SchemaViolationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

func violation(schema string, format string, args ...any) error {
	return &SchemaViolationError{Schema: schema, Err: fmt.Errorf(format, args...)}
}

// decodeStrict unmarshals exactly one JSON object, rejecting unknown fields
// and required fields that are absent.
func decodeStrict(schema string, b []byte, dst any, required ...string) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return violation(schema, "empty document")
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(b, &present); err != nil {
		return &SchemaViolationError{Schema: schema, Err: err}
	}
	for _, key := range required {
		raw, ok := present[key]
		if !ok || string(raw) == "null" {
			return violation(schema, "missing required field %q", key)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &SchemaViolationError{Schema: schema, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return violation(schema, "trailing data after object")
	}
	return nil
}

// DecodeEnrichment strictly decodes an EnrichmentResult.
func DecodeEnrichment(b []byte) (EnrichmentResult, error) {
	var out EnrichmentResult
	if err := decodeStrict("enrichment", b, &out, "metadata", "seo_keywords"); err != nil {
		return EnrichmentResult{}, err
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if out.SEOKeywords == nil {
		out.SEOKeywords = []string{}
	}
	return out, nil
}

// DecodeDetection strictly decodes a DetectionResult produced for polarity p.
// Signal types outside what p may report are violations.
func DecodeDetection(b []byte, p Polarity) (DetectionResult, error) {
	schema := string(p) + "_detection"
	var out DetectionResult
	if err := decodeStrict(schema, b, &out, "detected_signals"); err != nil {
		return DetectionResult{}, err
	}
	if out.Signals == nil {
		out.Signals = []Signal{}
	}
	for i, s := range out.Signals {
		if err := checkSignal(s); err != nil {
			return DetectionResult{}, violation(schema, "detected_signals[%d]: %v", i, err)
		}
		if !p.Allows(s.Type) {
			return DetectionResult{}, violation(schema, "detected_signals[%d]: %s signals are not reported as %s", i, s.Type, p)
		}
	}
	return out, nil
}

// DecodeValidation strictly decodes a ValidationResult and enforces the
// confidence invariant.
func DecodeValidation(b []byte) (ValidationResult, error) {
	var out ValidationResult
	if err := decodeStrict("validation", b, &out, "validated_positive_signals", "validated_negative_signals", "ai_confidence"); err != nil {
		return ValidationResult{}, err
	}
	for i, s := range out.Positive {
		if err := checkSignal(s); err != nil {
			return ValidationResult{}, violation("validation", "validated_positive_signals[%d]: %v", i, err)
		}
	}
	for i, s := range out.Negative {
		if err := checkSignal(s); err != nil {
			return ValidationResult{}, violation("validation", "validated_negative_signals[%d]: %v", i, err)
		}
	}
	if out.AIConfidence < ConfidenceFloor || out.AIConfidence > 1 {
		return ValidationResult{}, violation("validation", "ai_confidence %.3f outside [%.1f, 1.0]", out.AIConfidence, ConfidenceFloor)
	}
	if len(out.Positive)+len(out.Negative) == 0 && out.AIConfidence != ConfidenceFloor {
		return ValidationResult{}, violation("validation", "ai_confidence must be %.1f when no signals are validated", ConfidenceFloor)
	}
	if out.Positive == nil {
		out.Positive = []Signal{}
	}
	if out.Negative == nil {
		out.Negative = []Signal{}
	}
	return out, nil
}

func checkSignal(s Signal) error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown signal_type %q", s.Type)
	}
	if strings.TrimSpace(s.Description) == "" {
		return errors.New("description is required")
	}
	if strings.TrimSpace(s.Source) == "" {
		return errors.New("source is required")
	}
	return nil
}
