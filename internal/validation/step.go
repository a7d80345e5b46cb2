package validation

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/evidence"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/reasoning"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
)

// Step runs the Validator and, when a Reasoner is configured, lets it review
// the surviving signals. The reviewer may drop signals and rate confidence but
// cannot add signals that were not detected. An unavailable reviewer leaves the
// Validator's result in place.
type Step struct {
	Validator *Validator
	Prompt    reasoning.StepConfig
	Reasoner  core.Reasoner

	CallTimeout time.Duration
	Logger      *zap.Logger
}

func (s *Step) Run(ctx context.Context, company string, positive, negative lead.DetectionResult) (lead.ValidationResult, error) {
	log := logging.OrNop(s.Logger).With(zap.String("step", "validation"), zap.String("company", company))

	res, rejected := s.Validator.ValidateWithRejections(positive.Signals, negative.Signals, company)
	for _, r := range rejected {
		log.Debug("signal rejected",
			zap.String("signal_type", string(r.Signal.Type)),
			zap.String("source", r.Signal.Source),
			zap.String("reason", r.Reason.Error()),
		)
	}
	if s.Reasoner == nil || len(res.Positive)+len(res.Negative) == 0 {
		return res, nil
	}

	callCtx := ctx
	if s.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.CallTimeout)
		defer cancel()
	}
	review, err := reasoning.Invoke(callCtx, s.Reasoner, s.Prompt, reasoning.Vars{Company: company}, res,
		reasoning.ValidationSchema(), lead.DecodeValidation)
	switch {
	case ctx.Err() != nil:
		return lead.ValidationResult{}, ctx.Err()
	case errors.Is(err, lead.ErrSchemaViolation):
		return lead.ValidationResult{}, err
	case err != nil:
		log.Warn("review failed, keeping validated signals", zap.String("error", redact.Secrets(err.Error())))
		return res, nil
	}

	out := lead.ValidationResult{
		Positive: retain(res.Positive, review.Positive),
		Negative: retain(res.Negative, review.Negative),
	}
	if len(out.Positive)+len(out.Negative) == 0 {
		out.AIConfidence = lead.ConfidenceFloor
	} else {
		out.AIConfidence = math.Max(lead.ConfidenceFloor, math.Min(1, review.AIConfidence))
	}
	log.Debug("review done",
		zap.Int("kept", len(out.Positive)+len(out.Negative)),
		zap.Int("offered", len(res.Positive)+len(res.Negative)),
		zap.Float64("ai_confidence", out.AIConfidence),
	)
	return out, nil
}

// retain returns the signals of offered that the reviewer kept, in offered
// order. A kept signal is matched by type, source URL and description.
func retain(offered, kept []lead.Signal) []lead.Signal {
	out := make([]lead.Signal, 0, len(kept))
	for _, o := range offered {
		for _, k := range kept {
			if k.Type == o.Type && urlKey(k.SourceURL) == urlKey(o.SourceURL) &&
				evidence.Normalize(k.Description) == evidence.Normalize(o.Description) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
