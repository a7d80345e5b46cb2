// Package orchestrator runs the qualification of one lead: enrichment and both
// detections concurrently, then validation of the detected signals.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/detection"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/enrichment"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/validation"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

// State is a phase of one qualification run.
type State string

const (
	StateStart             State = "start"
	StateEnriching         State = "enriching"
	StateDetectingPositive State = "detecting_positive"
	StateDetectingNegative State = "detecting_negative"
	StateValidating        State = "validating"
	StateDone              State = "done"
)

// Observer receives every state transition of a run. It is called from the
// goroutine running Qualify.
type Observer func(leadID string, s State)

type Enricher interface {
	Run(ctx context.Context, website string) lead.EnrichmentResult
}

type Detector interface {
	Run(ctx context.Context, company string) (lead.DetectionResult, error)
}

type Validator interface {
	Run(ctx context.Context, company string, positive, negative lead.DetectionResult) (lead.ValidationResult, error)
}

type Qualifier struct {
	Enrichment Enricher
	Positive   Detector
	Negative   Detector
	Validation Validator

	Observer Observer
	Logger   *zap.Logger
}

// Collaborators are the external services a Qualifier calls. Reasoner may be nil.
type Collaborators struct {
	Scraper  core.Scraper
	Searcher core.Searcher
	Reasoner core.Reasoner
}

type Options struct {
	// CallTimeout bounds each collaborator call. <= 0 means none.
	CallTimeout time.Duration
	Observer    Observer
	Logger      *zap.Logger
}

// New wires the four steps from the workflow and the collaborators.
func New(wf *config.Workflow, c Collaborators, opts Options) *Qualifier {
	log := logging.OrNop(opts.Logger)

	pos := detection.New(lead.PolarityPositive, wf, c.Searcher, c.Reasoner)
	pos.CallTimeout, pos.Logger = opts.CallTimeout, log
	neg := detection.New(lead.PolarityNegative, wf, c.Searcher, c.Reasoner)
	neg.CallTimeout, neg.Logger = opts.CallTimeout, log

	return &Qualifier{
		Enrichment: &enrichment.Step{
			Scraper:     c.Scraper,
			Reasoner:    c.Reasoner,
			Prompt:      wf.Steps.Enrichment,
			CallTimeout: opts.CallTimeout,
			Logger:      log,
		},
		Positive:   pos,
		Negative:   neg,
		Validation: &validation.Step{
			Validator:   validation.New(wf),
			Prompt:      wf.Steps.Validation,
			Reasoner:    c.Reasoner,
			CallTimeout: opts.CallTimeout,
			Logger:      log,
		},
		Observer: opts.Observer,
		Logger:   log,
	}
}

// Qualify runs every step for l. On error no partial output is returned:
// cancellation yields ctx.Err(), and a step failure that is not absorbed
// (a schema violation or a reasoning failure) is returned wrapped.
func (q *Qualifier) Qualify(ctx context.Context, l lead.Lead) (lead.Qualification, error) {
	log := logging.OrNop(q.Logger).With(zap.String("lead_id", l.ID), zap.String("company", l.Company))
	start := time.Now()

	q.observe(l.ID, StateStart)

	var (
		enr      lead.EnrichmentResult
		pos, neg lead.DetectionResult
	)
	g, gctx := errgroup.WithContext(ctx)

	q.observe(l.ID, StateEnriching)
	g.Go(func() error {
		enr = q.Enrichment.Run(gctx, l.Website)
		return nil
	})

	q.observe(l.ID, StateDetectingPositive)
	g.Go(func() error {
		var err error
		pos, err = q.Positive.Run(gctx, l.Company)
		return eris.Wrap(err, "positive detection")
	})

	q.observe(l.ID, StateDetectingNegative)
	g.Go(func() error {
		var err error
		neg, err = q.Negative.Run(gctx, l.Company)
		return eris.Wrap(err, "negative detection")
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return lead.Qualification{}, ctx.Err()
		}
		log.Warn("qualification aborted", zap.Error(err))
		return lead.Qualification{}, eris.Wrapf(err, "qualify lead %q", l.ID)
	}
	if err := ctx.Err(); err != nil {
		return lead.Qualification{}, err
	}

	q.observe(l.ID, StateValidating)
	val, err := q.Validation.Run(ctx, l.Company, pos, neg)
	if err != nil {
		if ctx.Err() != nil {
			return lead.Qualification{}, ctx.Err()
		}
		log.Warn("qualification aborted", zap.Error(err))
		return lead.Qualification{}, eris.Wrapf(err, "qualify lead %q: validation", l.ID)
	}

	root, _ := rooturl.Normalize(l.Website)
	out := lead.Qualification{
		LeadID:           l.ID,
		Company:          l.Company,
		Website:          l.Website,
		RootURL:          root.String(),
		EnrichmentResult: enr,
		ValidationResult: val,
	}

	q.observe(l.ID, StateDone)
	log.Info("lead qualified",
		zap.Int("positive_signals", len(val.Positive)),
		zap.Int("negative_signals", len(val.Negative)),
		zap.Float64("ai_confidence", val.AIConfidence),
		zap.Int("seo_keywords", len(enr.SEOKeywords)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (q *Qualifier) observe(leadID string, s State) {
	if q.Observer != nil {
		q.Observer(leadID, s)
	}
}
