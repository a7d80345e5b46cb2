// Package worker runs a function over a batch of items on a bounded pool, with
// a shared rate limit, a per-item timeout and bounded retries of transient
// failures.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

type FailurePolicy int

const (
	FailurePolicyPartialOutput FailurePolicy = iota
	FailurePolicyFailFast
)

type Options struct {
	Workers int
	// MaxRetries is the number of extra attempts for transient failures. Zero disables retries.
	MaxRetries int
	// RequestTimeout bounds one attempt. Set to <=0 for no per-item timeout.
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64

	FailurePolicy FailurePolicy

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// Observer, when set, receives the lifecycle of every item. It is called
	// from worker goroutines and must be safe for concurrent use.
	Observer func(Event)
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventRetrying
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventRetrying:
		return "retrying"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event reports progress on the item at Index. For EventRetrying, Err is the
// failure being retried and Wait the sleep before the next attempt; for
// EventFinished, Err is the final outcome.
type Event struct {
	Index   int
	Kind    EventKind
	Attempt int
	Wait    time.Duration
	Err     error
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Index    int
	Input    In
	Output   Out
	Err      error
	Attempts int
	Duration time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

func (o Options) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: o.MaxRetries,
		Backoff:    Backoff{Initial: o.BackoffInitial, Max: o.BackoffMax, Jitter: o.BackoffJitterFrac},
	}
}

// ProcessAll runs fn over all items.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, fn, nil, opts)
}

// ProcessAllWithCallback runs fn over all items and calls onResult as each
// item completes. onResult sees results in completion order and is never
// called concurrently; an error from it stops the run.
//
// The returned slice is in input order. Under FailurePolicyFailFast the
// first item error is returned and the slice is nil.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()
	p := &pool[In, Out]{fn: fn, opts: opts}
	if opts.RateLimitRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return p.run(ctx, items, onResult)
}

type pool[In any, Out any] struct {
	fn      func(context.Context, In) (Out, error)
	opts    Options
	limiter *rate.Limiter

	mu       sync.Mutex
	firstErr error
	cancel   context.CancelFunc
}

type indexed[In any] struct {
	idx int
	in  In
}

func (p *pool[In, Out]) run(ctx context.Context, items []In, onResult func(Result[In, Out]) error) ([]Result[In, Out], error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	queue := make(chan indexed[In])
	done := make(chan Result[In, Out], p.opts.Workers)

	var wg sync.WaitGroup
	for range p.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drain(runCtx, queue, done)
		}()
	}
	go func() {
		defer close(queue)
		for i, item := range items {
			select {
			case queue <- indexed[In]{idx: i, in: item}:
			case <-runCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	out := make([]Result[In, Out], len(items))
	for res := range done {
		out[res.Index] = res
		if onResult != nil {
			p.fail(onResult(res))
		}
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *pool[In, Out]) drain(ctx context.Context, queue <-chan indexed[In], done chan<- Result[In, Out]) {
	for j := range queue {
		if ctx.Err() != nil {
			return
		}
		res := p.one(ctx, j)
		select {
		case done <- res:
		case <-ctx.Done():
			return
		}
		if res.Err != nil && p.opts.FailurePolicy == FailurePolicyFailFast {
			p.fail(res.Err)
			return
		}
	}
}

func (p *pool[In, Out]) one(ctx context.Context, j indexed[In]) Result[In, Out] {
	start := time.Now()
	p.emit(Event{Index: j.idx, Kind: EventStarted, Attempt: 1})

	policy := p.opts.retryPolicy()
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		p.emit(Event{Index: j.idx, Kind: EventRetrying, Attempt: attempt, Wait: wait, Err: err})
	}
	out, attempts, err := Retry(ctx, policy, func(ctx context.Context) (Out, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				var zero Out
				return zero, err
			}
		}
		if p.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
			defer cancel()
		}
		return p.fn(ctx, j.in)
	})

	p.emit(Event{Index: j.idx, Kind: EventFinished, Attempt: attempts, Err: err})
	return Result[In, Out]{
		Index:    j.idx,
		Input:    j.in,
		Output:   out,
		Err:      err,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func (p *pool[In, Out]) emit(e Event) {
	if p.opts.Observer != nil {
		p.opts.Observer(e)
	}
}

func (p *pool[In, Out]) fail(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
		p.cancel()
	}
}

func (p *pool[In, Out]) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

// Backoff is an exponential delay schedule with optional jitter. Zero fields
// take the defaults of 200ms initial and 2s max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter applies +/- this fraction to every delay (0.2 = +/-20%).
	Jitter float64
}

// Delay is the sleep before retry number attempt+1 (attempt counts from 0).
func (b Backoff) Delay(attempt int) time.Duration {
	initial, max := b.Initial, b.Max
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 2 * time.Second
	}
	d := initial
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if b.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*b.Jitter))
}

type RetryPolicy struct {
	// MaxRetries is the number of extra attempts for transient failures.
	MaxRetries int
	Backoff    Backoff
	// OnRetry is called before each sleep with the 1-based number of the
	// attempt that failed.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Retry calls fn until it succeeds, fails with a non-transient error, or uses
// up the retry budget for its error. It returns the last output, the number
// of attempts made and the last error. Cancellation of ctx ends the loop with
// ctx.Err().
func Retry[Out any](ctx context.Context, p RetryPolicy, fn func(context.Context) (Out, error)) (Out, int, error) {
	var last Out
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, attempt, err
		}
		out, err := fn(ctx)
		last = out
		if err == nil {
			return out, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return last, attempt + 1, ctx.Err()
		}
		if !IsTransient(err) || attempt >= RetryBudget(p.MaxRetries, err) {
			return last, attempt + 1, err
		}

		wait := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return last, attempt + 1, ctx.Err()
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

// RetryBudget is the number of extra attempts allowed for err: the smaller of
// defaultRetries and any cap carried by the error.
func RetryBudget(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		return min(max(capErr.MaxExtraRetries(), 0), defaultRetries)
	}
	return defaultRetries
}

// IsTransient reports whether err is worth retrying: an error marked
// transient by a collaborator, or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
