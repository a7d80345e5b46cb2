package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/store"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
)

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func qualification() *lead.Qualification {
	return &lead.Qualification{
		LeadID:  "1",
		Company: "Acme",
		Website: "https://acme.example/about",
		RootURL: "https://acme.example",
		EnrichmentResult: lead.EnrichmentResult{
			Metadata:    map[string]string{"title": "Acme"},
			SEOKeywords: []string{"robots"},
		},
		ValidationResult: lead.ValidationResult{
			Positive: []lead.Signal{{
				Type:        lead.SignalFunding,
				Description: "Acme raised $20M",
				Details:     "matched: raised",
				Source:      "techcrunch.com",
				SourceURL:   "https://techcrunch.com/a",
			}},
			Negative:     []lead.Signal{},
			AIConfidence: 0.65,
		},
	}
}

func TestOpenMigratesOnce(t *testing.T) {
	t.Parallel()

	s, path := openStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, s.Close())

	again, err := store.Open(path)
	require.NoError(t, err)
	defer again.Close()
	v, err = again.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	run, err := s.StartRun(ctx, "leads.csv", 2)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, store.RunRunning, run.Status)

	q := qualification()
	require.NoError(t, s.SaveResult(ctx, store.Result{
		RunID: run.ID, LeadID: "1", Company: "Acme", Website: q.Website,
		Status: "ok", Qualification: q, Attempts: 1, Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, s.SaveResult(ctx, store.Result{
		RunID: run.ID, LeadID: "2", Company: "Broken", Status: "error", Error: "reasoner: 401", Attempts: 1,
	}))
	require.NoError(t, s.FinishRun(ctx, run.ID, 1, 1, nil))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, got.Status)
	assert.Equal(t, 2, got.Leads)
	assert.Equal(t, 1, got.OKRows)
	assert.Equal(t, 1, got.ErrorRows)
	assert.Equal(t, run.StartedAt, got.StartedAt)
	assert.False(t, got.FinishedAt.IsZero())

	results, err := s.Results(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "1", results[0].LeadID)
	assert.Equal(t, 1500*time.Millisecond, results[0].Duration)
	require.NotNil(t, results[0].Qualification)
	if diff := cmp.Diff(*q, *results[0].Qualification); diff != "" {
		t.Fatalf("qualification mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "error", results[1].Status)
	assert.Equal(t, "reasoner: 401", results[1].Error)
	assert.Nil(t, results[1].Qualification)
}

func TestFinishRunFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	run, err := s.StartRun(ctx, "leads.jsonl", 0)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.ID, 0, 0, errors.New("fail-fast: lead 3")))

	got, err := s.GetRun(ctx, run.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, "fail-fast: lead 3", got.Error)

	err = s.FinishRun(ctx, "no-such-run", 0, 0, nil)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)

	_, err := s.GetRun(context.Background(), "deadbeef")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	_, err = s.GetRun(context.Background(), " ")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	var ids []string
	for _, in := range []string{"a.csv", "b.csv", "c.csv"} {
		run, err := s.StartRun(ctx, in, 1)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	two, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestLatestQualifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	run, err := s.StartRun(ctx, "leads.csv", 2)
	require.NoError(t, err)

	older := qualification()
	older.AIConfidence = 0.4
	newer := qualification()
	for _, q := range []*lead.Qualification{older, newer} {
		require.NoError(t, s.SaveResult(ctx, store.Result{
			RunID: run.ID, LeadID: "1", Company: "Acme", Website: q.Website, Status: "ok", Qualification: q,
		}))
	}
	require.NoError(t, s.SaveResult(ctx, store.Result{
		RunID: run.ID, LeadID: "2", Company: "Globex", Status: "error", Error: "boom",
	}))

	acme := store.LeadKey(" ACME ", "acme.example")
	globex := store.LeadKey("Globex", "")
	got, err := s.LatestQualifications(ctx, []string{acme, globex, acme})
	require.NoError(t, err)
	require.Contains(t, got, acme)
	assert.Equal(t, 0.65, got[acme].AIConfidence)
	assert.NotContains(t, got, globex)
}

func TestLeadKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		company, website, want string
	}{
		{"Acme", "https://acme.example/about", "acme|https://acme.example"},
		{"  Acme   Corp ", "acme.example", "acme corp|https://acme.example"},
		{"Acme", "", "acme"},
		{"Acme", "not a url", "acme"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, store.LeadKey(tt.company, tt.website), "%q %q", tt.company, tt.website)
	}
}

func TestTierSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	run, err := s.StartRun(ctx, "leads.csv", 4)
	require.NoError(t, err)
	save := func(id string, tier lead.Tier) {
		q := qualification()
		q.LeadID = id
		if tier != "" {
			q.Assessment = &lead.Assessment{Score: 70, Tier: tier, ContactMatches: []lead.Contact{}}
		}
		require.NoError(t, s.SaveResult(ctx, store.Result{RunID: run.ID, LeadID: id, Company: "Acme", Status: "ok", Qualification: q}))
	}
	save("1", lead.TierHot)
	save("2", lead.TierHot)
	save("3", lead.TierCold)
	save("4", "")
	require.NoError(t, s.SaveResult(ctx, store.Result{RunID: run.ID, LeadID: "5", Company: "Broken", Status: "error"}))

	got, err := s.TierSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[lead.Tier]int{lead.TierMoney: 0, lead.TierHot: 2, lead.TierWarm: 0, lead.TierCold: 1}, got)

	results, err := s.Results(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, results[0].Qualification.Assessment)
	assert.Equal(t, lead.TierHot, results[0].Qualification.Assessment.Tier)

	empty, err := s.TierSummary(ctx, "no-such-run")
	require.NoError(t, err)
	assert.Len(t, empty, 4)
}

func TestSearchResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openStore(t)

	run, err := s.StartRun(ctx, "leads.csv", 3)
	require.NoError(t, err)
	for _, r := range []store.Result{
		{RunID: run.ID, LeadID: "a-1", Company: "Acme Robotics", Status: "ok"},
		{RunID: run.ID, LeadID: "g-1", Company: "Globex", Status: "error"},
		{RunID: run.ID, LeadID: "acme_2", Company: "Initech", Status: "ok"},
	} {
		require.NoError(t, s.SaveResult(ctx, r))
	}

	got, err := s.SearchResults(ctx, "ACME", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "acme_2", got[0].LeadID, "newest first")
	assert.Equal(t, "a-1", got[1].LeadID)

	got, err = s.SearchResults(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.SearchResults(ctx, "_", 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "wildcards match literally")
	assert.Equal(t, "acme_2", got[0].LeadID)

	_, err = s.SearchResults(ctx, "  ", 0)
	assert.Error(t, err)
}
