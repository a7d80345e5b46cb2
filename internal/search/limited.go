package search

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/core"
)

// Limited throttles a Searcher to a shared request rate. Search APIs bill and
// throttle per query, and one lead fans out into many queries.
type Limited struct {
	next    core.Searcher
	limiter *rate.Limiter
}

// NewLimited wraps next with a limiter of rps queries per second. rps <= 0
// returns next unchanged.
func NewLimited(next core.Searcher, rps float64, burst int) core.Searcher {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limited) Search(ctx context.Context, query string) ([]core.SearchHit, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Search(ctx, query)
}
