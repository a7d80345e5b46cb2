// Package app wires the qualification pipeline to its inputs, outputs and
// run history.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/orchestrator"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/pipeline"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/scoring"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/store"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	localio "github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/worker"
)

// Runner executes batch runs. Store is optional; without it runs are not
// recorded and incremental runs qualify every lead.
type Runner struct {
	Workflow      *config.Workflow
	Collaborators orchestrator.Collaborators
	Options       pipeline.Options
	// CallTimeout bounds each collaborator call inside a lead.
	CallTimeout time.Duration
	// Contacts is the seller's network, matched against every lead's domain.
	Contacts []lead.Contact

	Store  *store.Store
	Logger *zap.Logger
}

// LocalJob describes one batch over local files.
type LocalJob struct {
	InputPath  string
	OutputPath string
	// InputFormat and OutputFormat apply when the file extension does not
	// name a format.
	InputFormat  schema.Format
	OutputFormat schema.Format
	// Incremental reuses the latest successful qualification stored for
	// the same company and website instead of qualifying again.
	Incremental bool
}

type Summary struct {
	RunID    string
	Leads    int
	Cached   int
	OK       int
	Failed   int
	Duration time.Duration
}

// NewQualifier builds the per-lead qualifier for a run. Reasoning calls are
// traced on log and transient reasoning failures are retried up to
// Options.MaxRetries times.
func (r *Runner) NewQualifier(log *zap.Logger) *orchestrator.Qualifier {
	collab := r.Collaborators
	collab.Reasoner = RetryReasoner(
		TraceReasoner(collab.Reasoner, log, r.Options.MaxRetries),
		worker.RetryPolicy{MaxRetries: r.Options.MaxRetries, Backoff: r.Options.Backoff()},
	)
	return orchestrator.New(r.Workflow, collab, orchestrator.Options{
		CallTimeout: r.CallTimeout,
		Logger:      log,
		Observer: func(leadID string, s orchestrator.State) {
			log.Debug("state", zap.String("lead_id", leadID), zap.String("state", string(s)))
		},
	})
}

// JobQualifier is NewQualifier with every qualification assessed, for
// callers that qualify one lead at a time.
func (r *Runner) JobQualifier(log *zap.Logger) pipeline.Qualifier {
	return scoring.Qualifier{Next: r.NewQualifier(log), Scorer: r.scorer()}
}

func (r *Runner) scorer() *scoring.Scorer {
	return &scoring.Scorer{Config: r.Workflow.Scoring, Contacts: r.Contacts}
}

// RunLocal qualifies the leads in job.InputPath and writes one row per lead
// to job.OutputPath.
func (r *Runner) RunLocal(ctx context.Context, job LocalJob) (Summary, error) {
	runStart := time.Now()
	leads, err := localio.LeadFile{Path: job.InputPath, Format: job.InputFormat}.Load(ctx)
	if err != nil {
		return Summary{}, eris.Wrapf(err, "load leads from %s", job.InputPath)
	}

	runID := uuid.NewString()
	if r.Store != nil {
		run, err := r.Store.StartRun(ctx, job.InputPath, len(leads))
		if err != nil {
			return Summary{}, err
		}
		runID = run.ID
	}
	log := logging.OrNop(r.Logger).With(zap.String("run_id", runID))
	outFormat := schema.FormatFromPath(job.OutputPath, job.OutputFormat)
	log.Info("run start",
		zap.String("input", job.InputPath),
		zap.String("output", job.OutputPath),
		zap.String("format", string(outFormat)),
		zap.Int("leads", len(leads)),
		zap.Int("workers", r.Options.Workers),
		zap.Int("max_retries", r.Options.MaxRetries),
		zap.Duration("request_timeout", r.Options.RequestTimeout),
		zap.Float64("rate_limit_rps", r.Options.RateLimitRPS),
		zap.Bool("fail_fast", r.Options.FailFast),
		zap.Bool("incremental", job.Incremental),
	)

	rows, cached, err := r.qualify(ctx, runID, log, leads, job.Incremental)
	if err == nil {
		out := pipeline.FileOutput{Path: job.OutputPath, Format: outFormat}
		err = eris.Wrapf(out.Store(ctx, rows), "write output %s", job.OutputPath)
	}
	okRows, errorRows := pipeline.CountStatuses(rows)
	if r.Store != nil {
		if ferr := r.Store.FinishRun(context.WithoutCancel(ctx), runID, okRows, errorRows, err); ferr != nil {
			log.Warn("finish run", zap.Error(ferr))
		}
	}
	if err != nil {
		return Summary{RunID: runID}, err
	}

	sum := Summary{
		RunID:    runID,
		Leads:    len(leads),
		Cached:   cached,
		OK:       okRows,
		Failed:   errorRows,
		Duration: time.Since(runStart),
	}
	log.Info("run complete",
		zap.Int("ok", sum.OK),
		zap.Int("error", sum.Failed),
		zap.Int("cached", sum.Cached),
		zap.Duration("duration", sum.Duration.Round(time.Millisecond)),
	)
	return sum, nil
}

func (r *Runner) qualify(ctx context.Context, runID string, log *zap.Logger, leads []lead.Lead, incremental bool) ([]pipeline.Row, int, error) {
	var prior map[string]lead.Qualification
	if incremental && r.Store != nil {
		var err error
		prior, err = r.Store.LatestQualifications(ctx, leadKeys(leads))
		if err != nil {
			return nil, 0, err
		}
	}
	scorer := r.scorer()
	plan := buildPlan(leads, prior, func(l lead.Lead, q lead.Qualification) lead.Qualification {
		a := scorer.Assess(l, q)
		q.Assessment = &a
		return q
	})
	log.Info("plan",
		zap.Int("input_rows", len(leads)),
		zap.Int("cached_rows", plan.cachedRows),
		zap.Int("rows_to_qualify", plan.pendingRows),
		zap.Int("unique_leads_to_qualify", len(plan.pending)),
	)

	for _, row := range plan.rows {
		if row.Status == "" {
			continue
		}
		if err := r.save(ctx, runID, row); err != nil {
			return nil, 0, err
		}
	}

	if len(plan.pending) == 0 {
		return plan.rows, plan.cachedRows, nil
	}

	opts := r.Options
	opts.OnRetry = func(l lead.Lead, attempt int, wait time.Duration, err error) {
		log.Warn("lead retrying",
			zap.String("lead_id", l.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait.Round(time.Millisecond)),
			zap.String("error", redact.Secrets(err.Error())),
		)
	}

	done := 0
	start := time.Now()
	fresh, err := pipeline.QualifyLeadsStream(ctx, plan.pending, r.NewQualifier(log), opts, func(row pipeline.Row) error {
		done++
		log.Info("lead completed",
			zap.String("lead_id", row.Lead.ID),
			zap.String("status", row.Status),
			zap.Int("attempts", row.Attempts),
			zap.Int("completed", done),
			zap.Int("total", len(plan.pending)),
			zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
		)
		for _, expanded := range plan.expand(row) {
			if err := r.save(ctx, runID, expanded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrap(err, "qualify leads")
	}
	if err := plan.apply(fresh); err != nil {
		return nil, 0, err
	}
	return plan.rows, plan.cachedRows, nil
}

func (r *Runner) save(ctx context.Context, runID string, row pipeline.Row) error {
	if r.Store == nil {
		return nil
	}
	res := store.Result{
		RunID:    runID,
		LeadID:   row.Lead.ID,
		Company:  row.Lead.Company,
		Website:  row.Lead.Website,
		Status:   row.Status,
		Error:    row.Error,
		Attempts: row.Attempts,
		Duration: row.Duration,
	}
	if row.OK() {
		q := row.Qualification
		res.Qualification = &q
	}
	return r.Store.SaveResult(ctx, res)
}
