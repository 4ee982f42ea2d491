// Package gate provides the bounded-concurrency primitive used for upstream
// fan-out.
package gate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Gate bounds the number of in-flight workers.
type Gate struct {
	limit int
}

// New returns a Gate allowing up to limit concurrent workers. A limit below 1
// is treated as 1.
func New(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit}
}

// Limit returns the configured concurrency bound.
func (g *Gate) Limit() int { return g.limit }

// RunAll drives fn over indices 0..n-1 with at most g.limit workers in
// flight. Submission follows input order; completion order is not guaranteed.
// Worker errors are swallowed (workers log their own failures), so RunAll
// returns only after every submitted item has been attempted. When ctx is
// cancelled, in-flight workers observe the cancellation through their context
// and unstarted items are skipped.
func (g *Gate) RunAll(ctx context.Context, n int, fn func(ctx context.Context, i int) error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.limit)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_ = fn(egCtx, i)
			return nil
		})
	}
	_ = eg.Wait()
}
