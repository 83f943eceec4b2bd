package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/containerd/containerd/errdefs"

	"github.com/cuemby/codebroker/pkg/metrics"
)

// Transient orchestrator errors (connection reset, 5xx, timeout) are retried
// with exponential backoff bounded by the call's own deadline; a 409 on
// create or anything wrapped in fatalErr is not retried.
const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return unwrapFatal(err)
		}

		metrics.OrchestratorRetriesTotal.WithLabelValues(op).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration(rand.Float64()*2*delta-delta)
}

func isRetryable(err error) bool {
	var fe *fatalErr
	if errors.As(err, &fe) {
		return false
	}
	if errdefs.IsAlreadyExists(err) || errdefs.IsInvalidArgument(err) || errdefs.IsNotImplemented(err) {
		return false
	}
	return true
}

func unwrapFatal(err error) error {
	var fe *fatalErr
	if errors.As(err, &fe) {
		return fe.err
	}
	return err
}
