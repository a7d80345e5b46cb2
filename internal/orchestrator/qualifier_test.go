package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/orchestrator"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type enricherFunc func(ctx context.Context, website string) lead.EnrichmentResult

func (f enricherFunc) Run(ctx context.Context, website string) lead.EnrichmentResult {
	return f(ctx, website)
}

type detectorFunc func(ctx context.Context, company string) (lead.DetectionResult, error)

func (f detectorFunc) Run(ctx context.Context, company string) (lead.DetectionResult, error) {
	return f(ctx, company)
}

type validatorFunc func(ctx context.Context, company string, pos, neg lead.DetectionResult) (lead.ValidationResult, error)

func (f validatorFunc) Run(ctx context.Context, company string, pos, neg lead.DetectionResult) (lead.ValidationResult, error) {
	return f(ctx, company, pos, neg)
}

type recorder struct {
	mu     sync.Mutex
	states []orchestrator.State
}

func (r *recorder) observe(_ string, s orchestrator.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

var (
	posSignal = lead.Signal{Type: lead.SignalFunding, Description: "Acme raised $20M", Source: "techcrunch.com", SourceURL: "https://techcrunch.com/a"}
	negSignal = lead.Signal{Type: lead.SignalLayoffs, Description: "Acme cut 50 jobs", Source: "glassdoor.com", SourceURL: "https://glassdoor.com/a"}
)

func TestQualifyJoinsStepsBeforeValidation(t *testing.T) {
	t.Parallel()

	var posDone, negDone atomic.Bool
	rec := &recorder{}
	q := &orchestrator.Qualifier{
		Enrichment: enricherFunc(func(_ context.Context, website string) lead.EnrichmentResult {
			assert.Equal(t, "http://example.com/careers?ref=1", website)
			return lead.EnrichmentResult{Metadata: map[string]string{"title": "Acme"}, SEOKeywords: []string{"robots"}}
		}),
		Positive: detectorFunc(func(context.Context, string) (lead.DetectionResult, error) {
			time.Sleep(20 * time.Millisecond)
			posDone.Store(true)
			return lead.DetectionResult{Signals: []lead.Signal{posSignal}}, nil
		}),
		Negative: detectorFunc(func(context.Context, string) (lead.DetectionResult, error) {
			time.Sleep(10 * time.Millisecond)
			negDone.Store(true)
			return lead.DetectionResult{Signals: []lead.Signal{negSignal}}, nil
		}),
		Validation: validatorFunc(func(_ context.Context, company string, pos, neg lead.DetectionResult) (lead.ValidationResult, error) {
			assert.True(t, posDone.Load() && negDone.Load(), "validation started before both detections finished")
			assert.Equal(t, "Acme", company)
			return lead.ValidationResult{Positive: pos.Signals, Negative: neg.Signals, AIConfidence: 0.7}, nil
		}),
		Observer: rec.observe,
	}

	got, err := q.Qualify(context.Background(), lead.Lead{ID: "7", Company: "Acme", Website: "http://example.com/careers?ref=1"})
	require.NoError(t, err)

	assert.Equal(t, []orchestrator.State{
		orchestrator.StateStart,
		orchestrator.StateEnriching,
		orchestrator.StateDetectingPositive,
		orchestrator.StateDetectingNegative,
		orchestrator.StateValidating,
		orchestrator.StateDone,
	}, rec.states)

	assert.Equal(t, "7", got.LeadID)
	assert.Equal(t, "http://example.com", got.RootURL)
	assert.Equal(t, 2, got.SignalCount())

	b, err := json.Marshal(got)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	for _, k := range []string{"lead_id", "company", "root_url", "metadata", "seo_keywords", "validated_positive_signals", "validated_negative_signals", "ai_confidence"} {
		assert.Contains(t, flat, k)
	}
}

func TestQualifySchemaViolationDiscardsOutput(t *testing.T) {
	t.Parallel()

	validated := atomic.Bool{}
	rec := &recorder{}
	q := &orchestrator.Qualifier{
		Enrichment: enricherFunc(func(context.Context, string) lead.EnrichmentResult { return lead.DefaultEnrichment() }),
		Positive: detectorFunc(func(context.Context, string) (lead.DetectionResult, error) {
			return lead.EmptyDetection(), nil
		}),
		Negative: detectorFunc(func(context.Context, string) (lead.DetectionResult, error) {
			_, err := lead.DecodeDetection([]byte(`{"detected_signals":[{"signal_type":"partnership"}]}`), lead.PolarityNegative)
			return lead.EmptyDetection(), err
		}),
		Validation: validatorFunc(func(context.Context, string, lead.DetectionResult, lead.DetectionResult) (lead.ValidationResult, error) {
			validated.Store(true)
			return lead.FloorValidation(), nil
		}),
		Observer: rec.observe,
	}

	got, err := q.Qualify(context.Background(), lead.Lead{ID: "1", Company: "Acme"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lead.ErrSchemaViolation), "got %v", err)
	assert.Equal(t, lead.Qualification{}, got)
	assert.False(t, validated.Load())
	assert.NotContains(t, rec.states, orchestrator.StateValidating)
	assert.NotContains(t, rec.states, orchestrator.StateDone)
}

func TestQualifyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	block := func(ctx context.Context, _ string) (lead.DetectionResult, error) {
		<-ctx.Done()
		return lead.EmptyDetection(), nil
	}
	q := &orchestrator.Qualifier{
		Enrichment: enricherFunc(func(ctx context.Context, _ string) lead.EnrichmentResult {
			<-ctx.Done()
			return lead.DefaultEnrichment()
		}),
		Positive: detectorFunc(block),
		Negative: detectorFunc(block),
		Validation: validatorFunc(func(context.Context, string, lead.DetectionResult, lead.DetectionResult) (lead.ValidationResult, error) {
			t.Error("validation must not run after cancellation")
			return lead.FloorValidation(), nil
		}),
	}

	time.AfterFunc(10*time.Millisecond, cancel)
	got, err := q.Qualify(ctx, lead.Lead{ID: "1", Company: "Acme", Website: "example.com"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, lead.Qualification{}, got)
}

func TestQualifyWithDefaultWorkflow(t *testing.T) {
	t.Parallel()

	wf, err := config.Default()
	require.NoError(t, err)

	var fetched []string
	var mu sync.Mutex
	var searches atomic.Int32
	q := orchestrator.New(wf, orchestrator.Collaborators{
		Scraper: core.ScraperFunc(func(_ context.Context, url string) (string, error) {
			mu.Lock()
			fetched = append(fetched, url)
			mu.Unlock()
			return `<title>Acme</title><meta name="keywords" content="robots, warehouses">`, nil
		}),
		Searcher: core.SearcherFunc(func(context.Context, string) ([]core.SearchHit, error) {
			searches.Add(1)
			return nil, errors.New("search API unavailable")
		}),
	}, orchestrator.Options{CallTimeout: time.Second})

	got, err := q.Qualify(context.Background(), lead.Lead{ID: "42", Company: "Acme", Website: "http://example.com/careers?ref=1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://example.com"}, fetched)
	assert.Equal(t, []string{"robots", "warehouses"}, got.SEOKeywords)
	assert.EqualValues(t, 2, searches.Load(), "one failing query per polarity, no retries")
	assert.Empty(t, got.Positive)
	assert.Empty(t, got.Negative)
	assert.Equal(t, lead.ConfidenceFloor, got.AIConfidence)
}

func TestQualifyEndToEndSignals(t *testing.T) {
	t.Parallel()

	wf, err := config.Default()
	require.NoError(t, err)

	q := orchestrator.New(wf, orchestrator.Collaborators{
		Scraper: core.ScraperFunc(func(context.Context, string) (string, error) { return "", errors.New("down") }),
		Searcher: core.SearcherFunc(func(_ context.Context, query string) ([]core.SearchHit, error) {
			if query != `"Acme funding round" site:techcrunch.com` {
				return nil, nil
			}
			return []core.SearchHit{{
				Title:   "Acme raises $20M Series A to automate warehouses",
				Snippet: "Acme raised $20M led by Example Ventures.",
				URL:     "https://techcrunch.com/2024/acme-series-a",
				Source:  "techcrunch.com",
			}}, nil
		}),
	}, orchestrator.Options{})

	got, err := q.Qualify(context.Background(), lead.Lead{ID: "1", Company: "Acme", Website: "acme.example"})
	require.NoError(t, err)
	assert.True(t, got.EnrichmentResult.IsEmpty())
	require.Len(t, got.Positive, 1)
	assert.Equal(t, lead.SignalFunding, got.Positive[0].Type)
	assert.Empty(t, got.Negative)
	assert.Greater(t, got.AIConfidence, lead.ConfidenceFloor)
	assert.LessOrEqual(t, got.AIConfidence, 1.0)
}

func TestQualifyAbsorbsReasonerOutage(t *testing.T) {
	t.Parallel()

	wf, err := config.Default()
	require.NoError(t, err)

	var reasoned atomic.Int32
	q := orchestrator.New(wf, orchestrator.Collaborators{
		Scraper: core.ScraperFunc(func(context.Context, string) (string, error) {
			return `<title>Acme</title><meta name="keywords" content="robots">`, nil
		}),
		Searcher: core.SearcherFunc(func(context.Context, string) ([]core.SearchHit, error) {
			return []core.SearchHit{{
				Title:  "Acme raises $20M Series A",
				URL:    "https://techcrunch.com/2024/acme-series-a",
				Source: "techcrunch.com",
			}}, nil
		}),
		Reasoner: core.ReasonerFunc(func(context.Context, core.ReasonRequest) (string, error) {
			reasoned.Add(1)
			return "", errors.New("dial tcp: connection refused")
		}),
	}, orchestrator.Options{})

	got, err := q.Qualify(context.Background(), lead.Lead{ID: "1", Company: "Acme", Website: "acme.example"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, reasoned.Load(), "enrichment and both detections, none for an empty review")
	assert.Equal(t, []string{"robots"}, got.SEOKeywords)
	assert.Empty(t, got.Positive)
	assert.Empty(t, got.Negative)
	assert.Equal(t, lead.ConfidenceFloor, got.AIConfidence)
}
