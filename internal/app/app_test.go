package app_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/app"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/orchestrator"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/store"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/worker"
)

type fixture struct {
	dir      string
	runner   *app.Runner
	store    *store.Store
	fetches  atomic.Int32
	searches atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wf, err := config.Default()
	require.NoError(t, err)

	f := &fixture{dir: t.TempDir()}
	f.store, err = store.Open(filepath.Join(f.dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	f.runner = &app.Runner{
		Workflow: wf,
		Collaborators: orchestrator.Collaborators{
			Scraper: core.ScraperFunc(func(context.Context, string) (string, error) {
				f.fetches.Add(1)
				return `<title>Acme Robotics</title><meta name="keywords" content="robots, warehouses">`, nil
			}),
			Searcher: core.SearcherFunc(func(context.Context, string) ([]core.SearchHit, error) {
				f.searches.Add(1)
				return nil, nil
			}),
		},
		Options: pipeline.Options{Workers: 2},
		Store:   f.store,
	}
	return f
}

func (f *fixture) writeInput(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	recs, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestRunLocalWritesRowsAndHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.csv", "id,company,website,owner\n1,Acme,http://acme.example/careers?ref=1,sam\n2,Globex,,kim\n")
	out := filepath.Join(f.dir, "out.csv")

	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Leads)
	assert.Equal(t, 2, sum.OK)
	assert.Zero(t, sum.Failed)
	assert.EqualValues(t, 1, f.fetches.Load(), "Globex has no website")

	recs := readCSV(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, pipeline.Header(), recs[0])
	assert.Equal(t, "1", recs[1][0])
	assert.Equal(t, "http://acme.example", recs[1][3])
	assert.Equal(t, `["robots","warehouses"]`, recs[1][5])
	assert.Equal(t, "0.300", recs[1][8])
	assert.Equal(t, "ok", recs[1][9])
	assert.Equal(t, "2", recs[2][0])

	run, err := f.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, run.Status)
	assert.Equal(t, 2, run.OKRows)

	results, err := f.store.Results(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NotNil(t, r.Qualification)
		assert.Equal(t, r.LeadID, r.Qualification.LeadID)
	}
}

func TestRunLocalJSONLOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.jsonl", `{"id":"a","company":"Acme","website":"acme.example"}`+"\n")
	out := filepath.Join(f.dir, "out.jsonl")

	_, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(b))), &rec))
	assert.Equal(t, "a", rec["lead_id"])
	assert.Equal(t, "https://acme.example", rec["root_url"])
	assert.Equal(t, "ok", rec["status"])
}

func TestRunLocalQualifiesRepeatedLeadsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.csv", "id,company,website\n1,Acme,acme.example\n2,ACME,https://acme.example/about\n")
	out := filepath.Join(f.dir, "out.csv")

	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OK)
	assert.EqualValues(t, 1, f.fetches.Load())

	recs := readCSV(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"1", "Acme", "acme.example"}, recs[1][:3])
	assert.Equal(t, []string{"2", "ACME", "https://acme.example/about"}, recs[2][:3])

	results, err := f.store.Results(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunLocalIncrementalReusesHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.csv", "id,company,website\n1,Acme,acme.example\n")
	out := filepath.Join(f.dir, "out.csv")
	job := app.LocalJob{InputPath: in, OutputPath: out, Incremental: true}

	first, err := f.runner.RunLocal(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, first.Cached)
	fetches, searches := f.fetches.Load(), f.searches.Load()

	in2 := f.writeInput(t, "more.csv", "id,company,website\n9,Acme,https://acme.example\n10,Initech,initech.example\n")
	second, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in2, OutputPath: out, Incremental: true})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Cached)
	assert.Equal(t, 2, second.OK)
	assert.Equal(t, fetches+1, f.fetches.Load(), "only Initech is fetched")
	assert.Greater(t, f.searches.Load(), searches)

	recs := readCSV(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, "9", recs[1][0])
	assert.Equal(t, "https://acme.example", recs[1][2])

	results, err := f.store.Results(context.Background(), second.RunID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "9", results[0].Qualification.LeadID)
}

func TestRunLocalMissingInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.runner.RunLocal(context.Background(), app.LocalJob{
		InputPath:  filepath.Join(f.dir, "missing.csv"),
		OutputPath: filepath.Join(f.dir, "out.csv"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	runs, err := f.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunLocalWithoutStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.Store = nil
	in := f.writeInput(t, "leads.csv", "company\nAcme\n")
	out := filepath.Join(f.dir, "out.csv")

	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out, Incremental: true})
	require.NoError(t, err)
	assert.Len(t, sum.RunID, 36)
	assert.Equal(t, 1, sum.OK)
}

type stubQualifier struct {
	got lead.Lead
	err error
}

func (s *stubQualifier) Qualify(_ context.Context, l lead.Lead) (lead.Qualification, error) {
	s.got = l
	if s.err != nil {
		return lead.Qualification{}, s.err
	}
	return lead.Qualification{
		LeadID:           l.ID,
		Company:          l.Company,
		EnrichmentResult: lead.DefaultEnrichment(),
		ValidationResult: lead.FloorValidation(),
	}, nil
}

func TestHandleJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		wantID  string
		wantErr error
	}{
		{name: "object", query: `{"id":"7","company":" Acme ","website":"acme.example"}`, wantID: "7"},
		{name: "job id fallback", query: `{"company":"Acme"}`, wantID: "job-1"},
		{name: "string wrapped", query: `"{\"company\":\"Acme\"}"`, wantID: "job-1"},
		{name: "missing company", query: `{"website":"acme.example"}`, wantErr: app.ErrBadQuery},
		{name: "not json", query: `acme`, wantErr: app.ErrBadQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &stubQualifier{}
			b, err := app.HandleJob(context.Background(), q, "job-1", json.RawMessage(tt.query))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Acme", q.got.Company)

			var out map[string]any
			require.NoError(t, json.Unmarshal(b, &out))
			assert.Equal(t, tt.wantID, out["lead_id"])
			assert.Equal(t, lead.ConfidenceFloor, out["ai_confidence"])
		})
	}
}

func TestHandleJobQualifyError(t *testing.T) {
	t.Parallel()

	q := &stubQualifier{err: lead.ErrSchemaViolation}
	_, err := app.HandleJob(context.Background(), q, "job-2", json.RawMessage(`{"company":"Acme"}`))
	assert.True(t, errors.Is(err, lead.ErrSchemaViolation), "got %v", err)
}

func TestTraceReasoner(t *testing.T) {
	t.Parallel()

	assert.Nil(t, app.TraceReasoner(nil, nil, 3))

	core0, logs := observer.New(zapcore.DebugLevel)
	calls := 0
	next := core.ReasonerFunc(func(context.Context, core.ReasonRequest) (string, error) {
		calls++
		if calls == 1 {
			return "", &core.LimitedTransientError{Err: errors.New("429 api_key=sk-SECRET"), ExtraRetries: 1}
		}
		return `{"ok":true}`, nil
	})
	r := app.TraceReasoner(next, zap.New(core0), 3)
	req := core.ReasonRequest{Step: "validation", Prompt: "review Acme"}

	_, err := r.Reason(context.Background(), req)
	require.Error(t, err)
	out, err := r.Reason(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 1)
	fields := warns[0].ContextMap()
	assert.Equal(t, true, fields["retryable"])
	assert.Equal(t, true, fields["will_retry"])
	assert.EqualValues(t, 1, fields["max_extra_retries"])
	assert.NotContains(t, fields["error"], "sk-SECRET")

	oks := logs.FilterMessage("reason response").FilterField(zap.String("status", "ok")).All()
	require.Len(t, oks, 1)
	assert.EqualValues(t, 2, oks[0].ContextMap()["attempt"])
}

func TestRetryReasoner(t *testing.T) {
	t.Parallel()

	next := core.ReasonerFunc(func(context.Context, core.ReasonRequest) (string, error) { return "", nil })
	assert.NotNil(t, app.RetryReasoner(next, worker.RetryPolicy{}))
	assert.Nil(t, app.RetryReasoner(nil, worker.RetryPolicy{MaxRetries: 2}))

	var calls atomic.Int32
	flaky := core.ReasonerFunc(func(context.Context, core.ReasonRequest) (string, error) {
		if calls.Add(1) < 3 {
			return "", &core.TransientError{Err: errors.New("503")}
		}
		return `{"ok":true}`, nil
	})
	policy := worker.RetryPolicy{MaxRetries: 2, Backoff: worker.Backoff{Initial: time.Millisecond, Max: time.Millisecond}}
	out, err := app.RetryReasoner(flaky, policy).Reason(context.Background(), core.ReasonRequest{Step: "validation"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	_, err = app.RetryReasoner(flaky, worker.RetryPolicy{MaxRetries: 1, Backoff: policy.Backoff}).
		Reason(context.Background(), core.ReasonRequest{Step: "validation"})
	assert.ErrorContains(t, err, "503")
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunLocalKeepsUnkeyedRowsApart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.csv", "id,company,website\nx,,not a url\nx,,\n")
	out := filepath.Join(f.dir, "out.csv")

	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OK)

	recs := readCSV(t, out)
	require.Len(t, recs, 3)
	for _, rec := range recs[1:] {
		assert.Equal(t, "x", rec[0])
		assert.Equal(t, "ok", rec[9])
	}

	results, err := f.store.Results(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunLocalAssessesLeads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.Contacts = []lead.Contact{{Name: "Jane", Email: "jane@acme.example"}, {Name: "Kim", Email: "kim@initech.example"}}
	in := f.writeInput(t, "leads.csv", "id,company,website,contacts\n1,Acme,http://www.acme.example,\n2,Globex,,Ann <ann@globex.example>\n3,Acme,acme.example,\n")
	out := filepath.Join(f.dir, "out.csv")

	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)

	recs := readCSV(t, out)
	require.Len(t, recs, 4)
	col := make(map[string]int)
	for i, name := range recs[0] {
		col[name] = i
	}
	assert.Equal(t, "50", recs[1][col["lead_score"]])
	assert.Equal(t, "warm", recs[1][col["lead_status"]])
	assert.JSONEq(t, `[{"name":"Jane","email":"jane@acme.example"}]`, recs[1][col["contact_matches"]])
	// Globex has no website or email, so its own contact list cannot match.
	assert.Equal(t, "40", recs[2][col["lead_score"]])
	assert.Equal(t, "cold", recs[2][col["lead_status"]])
	assert.Equal(t, "[]", recs[2][col["contact_matches"]])
	assert.Equal(t, recs[1][col["contact_matches"]], recs[3][col["contact_matches"]])

	summary, err := f.store.TierSummary(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[lead.Tier]int{lead.TierMoney: 0, lead.TierHot: 0, lead.TierWarm: 2, lead.TierCold: 1}, summary)
}

func TestRunLocalReassessesCachedLeads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.writeInput(t, "leads.csv", "id,company,website\n1,Acme,acme.example\n")
	out := filepath.Join(f.dir, "out.csv")

	_, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out})
	require.NoError(t, err)

	f.runner.Contacts = []lead.Contact{{Email: "jane@acme.example"}}
	sum, err := f.runner.RunLocal(context.Background(), app.LocalJob{InputPath: in, OutputPath: out, Incremental: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cached)

	results, err := f.store.Results(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Qualification.Assessment)
	assert.Equal(t, 50, results[0].Qualification.Assessment.Score)
	assert.Equal(t, lead.TierWarm, results[0].Qualification.Assessment.Tier)
}
