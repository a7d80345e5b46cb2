package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/worker"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Row is the outcome of qualifying one lead. Qualification is the zero value
// when Status is "error".
type Row struct {
	// Index is the position of Lead in the batch that produced the row.
	Index         int
	Lead          lead.Lead
	Qualification lead.Qualification
	Status        string
	Error         string
	Attempts      int
	Duration      time.Duration
}

// OK reports whether the lead was qualified.
func (r Row) OK() bool { return r.Status == StatusOK }

// Qualifier qualifies one lead.
type Qualifier interface {
	Qualify(ctx context.Context, l lead.Lead) (lead.Qualification, error)
}

type Options struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
	RateLimitRPS   float64
	FailFast       bool

	// OnRetry is called before a lead is qualified again after a transient
	// failure. It may be called concurrently.
	OnRetry func(l lead.Lead, attempt int, wait time.Duration, err error)
}

// Backoff is the delay schedule between retries of a lead.
func (o Options) Backoff() worker.Backoff {
	return worker.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2}
}

func (o Options) worker(leads []lead.Lead) worker.Options {
	policy := worker.FailurePolicyPartialOutput
	if o.FailFast {
		policy = worker.FailurePolicyFailFast
	}
	b := o.Backoff()
	wo := worker.Options{
		Workers:           o.Workers,
		MaxRetries:        o.MaxRetries,
		RequestTimeout:    o.RequestTimeout,
		RateLimitRPS:      o.RateLimitRPS,
		FailurePolicy:     policy,
		BackoffInitial:    b.Initial,
		BackoffMax:        b.Max,
		BackoffJitterFrac: b.Jitter,
	}
	if o.OnRetry != nil {
		wo.Observer = func(e worker.Event) {
			if e.Kind == worker.EventRetrying {
				o.OnRetry(leads[e.Index], e.Attempt, e.Wait, e.Err)
			}
		}
	}
	return wo
}

// Contract is the stable output schema of a batch run.
func Contract(format schema.Format) schema.DatasetContract {
	return schema.DatasetContract{
		Format: format,
		Fields: []schema.Field{
			{Name: "lead_id", Type: "string"},
			{Name: "company", Type: "string"},
			{Name: "website", Type: "string", Nullable: true},
			{Name: "root_url", Type: "string", Nullable: true},
			{Name: "metadata", Type: "json", Nullable: true},
			{Name: "seo_keywords", Type: "json", Nullable: true},
			{Name: "validated_positive_signals", Type: "json", Nullable: true},
			{Name: "validated_negative_signals", Type: "json", Nullable: true},
			{Name: "ai_confidence", Type: "double", Nullable: true},
			{Name: "status", Type: "string"},
			{Name: "error", Type: "string", Nullable: true},
			{Name: "lead_score", Type: "int", Nullable: true},
			{Name: "lead_status", Type: "string", Nullable: true},
			{Name: "contact_matches", Type: "json", Nullable: true},
		},
	}
}

// Header returns the stable CSV header.
func Header() []string {
	return Contract(schema.FormatCSV).Names()
}

// QualifyLeads runs q over all leads and returns one row per lead, in input
// order.
//
// Errors from qualification are recorded per-row and do not fail the full
// run unless FailFast is set.
func QualifyLeads(ctx context.Context, leads []lead.Lead, q Qualifier, opts Options) ([]Row, error) {
	return QualifyLeadsStream(ctx, leads, q, opts, nil)
}

// QualifyLeadsStream is QualifyLeads with onRow called as each lead
// completes. onRow is never called concurrently; an error from it stops the run.
func QualifyLeadsStream(ctx context.Context, leads []lead.Lead, q Qualifier, opts Options, onRow func(Row) error) ([]Row, error) {
	var cb func(worker.Result[lead.Lead, lead.Qualification]) error
	if onRow != nil {
		cb = func(res worker.Result[lead.Lead, lead.Qualification]) error {
			return onRow(toRow(res))
		}
	}

	out, err := worker.ProcessAllWithCallback(ctx, leads, q.Qualify, cb, opts.worker(leads))
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(out))
	for _, res := range out {
		rows = append(rows, toRow(res))
	}
	return rows, nil
}

func toRow(res worker.Result[lead.Lead, lead.Qualification]) Row {
	row := Row{
		Index:    res.Index,
		Lead:     res.Input,
		Attempts: res.Attempts,
		Duration: res.Duration,
	}
	if res.Err != nil {
		row.Status = StatusError
		row.Error = redact.Secrets(res.Err.Error())
		return row
	}
	row.Status = StatusOK
	row.Qualification = res.Output
	return row
}

// Record is the flat, nullable-column form of a row shared by the CSV and
// JSONL writers.
func (r Row) Record() map[string]any {
	rec := map[string]any{
		"lead_id":  r.Lead.ID,
		"company":  r.Lead.Company,
		"website":  nullable(r.Lead.Website),
		"root_url": nil,
		"status":   r.Status,
		"error":    nullable(r.Error),
	}
	for _, k := range []string{"lead_score", "lead_status", "contact_matches"} {
		rec[k] = nil
	}
	if !r.OK() {
		for _, k := range []string{"metadata", "seo_keywords", "validated_positive_signals", "validated_negative_signals", "ai_confidence"} {
			rec[k] = nil
		}
		return rec
	}
	q := r.Qualification
	rec["root_url"] = nullable(q.RootURL)
	rec["metadata"] = orEmptyMap(q.Metadata)
	rec["seo_keywords"] = orEmpty(q.SEOKeywords)
	rec["validated_positive_signals"] = orEmpty(q.Positive)
	rec["validated_negative_signals"] = orEmpty(q.Negative)
	rec["ai_confidence"] = q.AIConfidence
	if a := q.Assessment; a != nil {
		rec["lead_score"] = a.Score
		rec["lead_status"] = string(a.Tier)
		rec["contact_matches"] = orEmpty(a.ContactMatches)
	}
	return rec
}

func (r Row) csvRecord() []string {
	rec := r.Record()
	out := make([]string, 0, len(rec))
	for _, name := range Header() {
		out = append(out, cell(rec[name]))
	}
	return out
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', 3, 64)
	case int:
		return strconv.Itoa(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// CountStatuses tallies ok and error rows.
func CountStatuses(rows []Row) (okRows int, errorRows int) {
	for _, row := range rows {
		if row.OK() {
			okRows++
			continue
		}
		errorRows++
	}
	return okRows, errorRows
}
