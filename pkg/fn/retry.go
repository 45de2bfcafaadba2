package fn

import (
	"context"
	"math/rand"
	"time"
)

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in that
// case. Poll loops use it so shutdown interrupts idle waits.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Retry retries f up to MaxAttempts times with exponential backoff.
// A zero MaxWait means the DefaultRetry cap.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	wait := opts.InitialWait
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultRetry.MaxWait
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if sleepDur > maxWait {
			sleepDur = maxWait
		}

		if err := Sleep(ctx, sleepDur); err != nil {
			return Err[T](err)
		}

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
	return result
}

// RetryErr is Retry for operations that only produce an error.
func RetryErr(ctx context.Context, opts RetryOpts, f func(context.Context) error) error {
	r := Retry(ctx, opts, func(ctx context.Context) Result[struct{}] {
		if err := f(ctx); err != nil {
			return Err[struct{}](err)
		}
		return Ok(struct{}{})
	})
	return r.UnwrapErr()
}

// RetryStage wraps a Stage with retry logic.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
