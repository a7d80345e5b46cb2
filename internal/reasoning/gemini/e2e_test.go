//go:build gemini_e2e

package gemini_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning/gemini"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

func TestReason_RealGemini(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Fatalf("GEMINI_API_KEY is required for gemini_e2e tests")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		t.Fatalf("GEMINI_MODEL is required for gemini_e2e tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	r, err := gemini.New(ctx, gemini.Config{APIKey: apiKey, Model: model, BaseURL: os.Getenv("GEMINI_BASE_URL")})
	if err != nil {
		t.Fatalf("create gemini reasoner: %v", err)
	}

	// Synthetic company and hits only (public repo).
	step := reasoning.StepConfig{
		Name: "positive_detection",
		Task: "Report growth signals about {company} found in the supporting context.",
	}
	hits := []core.SearchHit{{
		Title:   "Examplecorp raises $12M Series A to expand widget factories",
		Snippet: "Examplecorp said it raised $12 million in a Series A round.",
		URL:     "https://techcrunch.com/examplecorp-series-a",
		Source:  "techcrunch.com",
	}}

	out, err := reasoning.Invoke(ctx, r, step, reasoning.Vars{Company: "Examplecorp"}, hits,
		reasoning.DetectionSchema(lead.PolarityPositive),
		func(b []byte) (lead.DetectionResult, error) { return lead.DecodeDetection(b, lead.PolarityPositive) })
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	t.Logf("detected %d signals", len(out.Signals))
}
