package reasoning

import (
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

func signalSchema(types []lead.SignalType) *core.Schema {
	enum := make([]string, 0, len(types))
	for _, t := range types {
		enum = append(enum, string(t))
	}
	return &core.Schema{
		Type: core.SchemaObject,
		Properties: map[string]*core.Schema{
			"signal_type": {Type: core.SchemaString, Enum: enum},
			"description": {Type: core.SchemaString, Description: "One sentence about the company. Never a copied snippet."},
			"details":     {Type: core.SchemaString, Description: "Derived evidence such as figures, roles or round names."},
			"source":      {Type: core.SchemaString, Description: "Publishing site, e.g. techcrunch.com."},
			"source_url":  {Type: core.SchemaString},
		},
		Required: []string{"signal_type", "description", "details", "source", "source_url"},
	}
}

func allowedTypes(p lead.Polarity) []lead.SignalType {
	var out []lead.SignalType
	for _, t := range lead.SignalTypes() {
		if p.Allows(t) {
			out = append(out, t)
		}
	}
	return out
}

// DetectionSchema is the answer schema for a detection step of polarity p.
func DetectionSchema(p lead.Polarity) *core.Schema {
	return &core.Schema{
		Type: core.SchemaObject,
		Properties: map[string]*core.Schema{
			"detected_signals": {Type: core.SchemaArray, Items: signalSchema(allowedTypes(p))},
		},
		Required: []string{"detected_signals"},
	}
}

// ValidationSchema is the answer schema for the validation step.
func ValidationSchema() *core.Schema {
	lo, hi := lead.ConfidenceFloor, 1.0
	return &core.Schema{
		Type: core.SchemaObject,
		Properties: map[string]*core.Schema{
			"validated_positive_signals": {Type: core.SchemaArray, Items: signalSchema(allowedTypes(lead.PolarityPositive))},
			"validated_negative_signals": {Type: core.SchemaArray, Items: signalSchema(allowedTypes(lead.PolarityNegative))},
			"ai_confidence":              {Type: core.SchemaNumber, Minimum: &lo, Maximum: &hi},
		},
		Required: []string{"validated_positive_signals", "validated_negative_signals", "ai_confidence"},
	}
}

// EnrichmentSchema is the answer schema for the enrichment step.
func EnrichmentSchema() *core.Schema {
	return &core.Schema{
		Type: core.SchemaObject,
		Properties: map[string]*core.Schema{
			"metadata": {
				Type: core.SchemaObject,
				Properties: map[string]*core.Schema{
					"title":       {Type: core.SchemaString},
					"description": {Type: core.SchemaString, Description: "What the business does, in your own words."},
				},
			},
			"seo_keywords": {
				Type:        core.SchemaArray,
				Items:       &core.Schema{Type: core.SchemaString},
				Description: "Short search keywords describing the business.",
			},
		},
		Required: []string{"metadata", "seo_keywords"},
	}
}
