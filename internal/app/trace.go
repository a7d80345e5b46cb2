package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/worker"
)

type tracedReasoner struct {
	next       core.Reasoner
	log        *zap.Logger
	maxRetries int

	mu       sync.Mutex
	attempts map[string]int
}

// TraceReasoner logs every reasoning call made through next: sizes, timing,
// and whether a failure will be retried. It returns nil when next is nil.
func TraceReasoner(next core.Reasoner, log *zap.Logger, maxRetries int) core.Reasoner {
	if next == nil {
		return nil
	}
	return &tracedReasoner{
		next:       next,
		log:        logging.OrNop(log),
		maxRetries: maxRetries,
		attempts:   make(map[string]int),
	}
}

func (t *tracedReasoner) Reason(ctx context.Context, req core.ReasonRequest) (string, error) {
	attempt := t.nextAttempt(req.Step + "\x00" + req.Prompt)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	log := t.log.With(zap.String("step", req.Step), zap.Int("attempt", attempt))
	log.Debug("reason request",
		zap.Int("prompt_bytes", len(req.Prompt)),
		zap.Int("context_bytes", len(req.Context)),
		zap.String("deadline_in", deadlineIn),
	)

	start := time.Now()
	out, err := t.next.Reason(ctx, req)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		budget := worker.RetryBudget(t.maxRetries, err)
		retryable := worker.IsTransient(err)
		log.Warn("reason response",
			zap.String("status", "error"),
			zap.Duration("duration", elapsed),
			zap.Bool("retryable", retryable),
			zap.Bool("will_retry", retryable && attempt <= budget),
			zap.Int("max_extra_retries", budget),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return out, err
	}

	log.Debug("reason response",
		zap.String("status", "ok"),
		zap.Duration("duration", elapsed),
		zap.Int("response_bytes", len(out)),
	)
	return out, nil
}

func (t *tracedReasoner) nextAttempt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}

type retryingReasoner struct {
	next   core.Reasoner
	policy worker.RetryPolicy
}

// RetryReasoner retries transient failures of next within policy. Failures
// left after the budget is spent are returned to the step, which absorbs
// them. It returns next unchanged when no retries are allowed.
func RetryReasoner(next core.Reasoner, policy worker.RetryPolicy) core.Reasoner {
	if next == nil || policy.MaxRetries <= 0 {
		return next
	}
	return &retryingReasoner{next: next, policy: policy}
}

func (r *retryingReasoner) Reason(ctx context.Context, req core.ReasonRequest) (string, error) {
	out, _, err := worker.Retry(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.next.Reason(ctx, req)
	})
	return out, err
}
