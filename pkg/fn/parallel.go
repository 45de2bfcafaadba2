package fn

import (
	"context"
	"sync"
)

// ParMap applies f to each item with bounded concurrency, preserving order.
// Once ctx is cancelled no further items are started; in-flight calls finish.
func ParMap[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) U) []U {
	out := make([]U, len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(ctx, v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// ParMapResult applies f with bounded concurrency, returning Results in order.
// Items not started due to cancellation yield Err(ctx.Err()).
func ParMapResult[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	started := 0
	for i, v := range items {
		if ctx.Err() != nil {
			break
		}
		started++
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(ctx, v)
		}(i, v)
	}
	wg.Wait()
	for i := started; i < len(items); i++ {
		out[i] = Err[U](ctx.Err())
	}
	return out
}
