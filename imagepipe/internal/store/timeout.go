package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is the context cause when a backend call outlives its own bound
// rather than the caller's deadline.
var ErrTimeout = errors.New("store call timed out")

// Every Store method is one point operation on one key, so the bounds are
// short. The worker's invocation deadline is usually sooner and then wins.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// bound limits one backend call. op names the call in the timeout cause.
func bound(ctx context.Context, op string, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, d, fmt.Errorf("%w: %s after %s", ErrTimeout, op, d))
}

func boundRead(ctx context.Context, op string) (context.Context, context.CancelFunc) {
	return bound(ctx, op, readTimeout)
}

func boundWrite(ctx context.Context, op string) (context.Context, context.CancelFunc) {
	return bound(ctx, op, writeTimeout)
}
