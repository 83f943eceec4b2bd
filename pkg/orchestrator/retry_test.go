package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), "test_op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnFatalErr(t *testing.T) {
	attempts := 0
	cause := errors.New("already exists")
	err := withRetry(context.Background(), "test_op", func(ctx context.Context) error {
		attempts++
		return &fatalErr{err: cause}
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := withRetry(ctx, "test_op", func(ctx context.Context) error {
		attempts++
		return errors.New("unavailable")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, attempts, 0)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset")))
	assert.False(t, isRetryable(&fatalErr{err: errors.New("conflict")}))
}
