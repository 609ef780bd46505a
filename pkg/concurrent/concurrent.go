package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map runs fn for every item with at most limit calls in flight and returns
// the results in input order. The first error cancels the remaining calls
// and is returned. A limit below 1 means unbounded.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	group, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	for i, item := range items {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := fn(ctx, item)
			if err != nil {
				return err
			}
			out[i] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach is Map without results.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	_, err := Map(ctx, items, limit, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}

// Go runs every fn in its own goroutine and waits for all of them. The first
// error cancels the shared context.
func Go(ctx context.Context, fns ...func(ctx context.Context) error) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		group.Go(func() error { return fn(ctx) })
	}
	return group.Wait()
}
