package errors

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsErrorError(t *testing.T) {
	err := New(CategoryIntegrity, "checksum mismatch for database archive", nil)
	assert.Equal(t, "INTEGRITY_FAILURE: checksum mismatch for database archive", err.Error())

	wrapped := New(CategoryStorage, "upload failed", fmt.Errorf("boom"))
	assert.Contains(t, wrapped.Error(), "caused by: boom")
}

func TestOpsErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := New(CategoryStorage, "wrapper", cause)
	assert.Equal(t, cause, err.Unwrap())
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"ops error", NewIntegrityError("bad checksum", nil), CategoryIntegrity},
		{"wrapped ops error", fmt.Errorf("outer: %w", NewLockedError("held")), CategoryLocked},
		{"plain error", fmt.Errorf("plain"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CategoryOf(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(NewConfirmationRejected("declined")))
	assert.False(t, IsFatal(NewPartialComponentError("logs", nil)))
	assert.True(t, IsFatal(NewIntegrityError("mismatch", nil)))
	assert.True(t, IsFatal(NewTimeoutError("deadline", nil)))
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, ExitSuccess},
		{"confirmation rejected is a clean abort", NewConfirmationRejected("no"), ExitSuccess},
		{"partial component degrades", NewPartialComponentError("logs", nil), ExitDegraded},
		{"validation is usage error", NewValidationError("bad flag", nil), ExitUsage},
		{"integrity is failure", NewIntegrityError("mismatch", nil), ExitFailure},
		{"timeout is failure", NewTimeoutError("deadline", nil), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ExitCodeFor(tt.err))
		})
	}
}

func TestClassifierContextErrors(t *testing.T) {
	c := NewClassifier()

	err := c.Classify(context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, err.Category)

	err = c.Classify(context.Canceled)
	assert.Equal(t, CategoryCancelled, err.Category)
}

func TestClassifierNetworkErrors(t *testing.T) {
	c := NewClassifier()

	err := c.Classify(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")})
	assert.Equal(t, CategoryConnectivity, err.Category)
	assert.True(t, err.IsRecoverable())
}

func TestClassifierPassthrough(t *testing.T) {
	c := NewClassifier()
	original := NewIntegrityError("mismatch", nil)
	assert.Same(t, original, c.Classify(original))
}

func TestRetryHandlerSucceedsAfterRecoverableFailures(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	})

	attempts := 0
	err := rh.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return NewConnectivityError("still starting", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHandlerStopsOnUnrecoverable(t *testing.T) {
	rh := NewDefaultRetryHandler()

	attempts := 0
	err := rh.Retry(context.Background(), func() error {
		attempts++
		return NewIntegrityError("mismatch", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, CategoryIntegrity, CategoryOf(err))
}

func TestRetryHandlerExhaustsAttempts(t *testing.T) {
	rh := NewRetryHandler(RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
	})

	attempts := 0
	err := rh.Retry(context.Background(), func() error {
		attempts++
		return NewConnectivityError("down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryHandlerRespectsCancellation(t *testing.T) {
	rh := NewDefaultRetryHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rh.Retry(ctx, func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, CategoryCancelled, CategoryOf(err))
}

func TestGracefulShutdownRunsCleanupsInReverseOrder(t *testing.T) {
	g := NewGracefulShutdownHandler()

	var order []int
	g.RegisterCleanup(func() error { order = append(order, 1); return nil })
	g.RegisterCleanup(func() error { order = append(order, 2); return nil })
	g.RegisterCleanup(func() error { order = append(order, 3); return nil })

	require.NoError(t, g.Shutdown())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestGracefulShutdownReturnsFirstCleanupError(t *testing.T) {
	g := NewGracefulShutdownHandler()

	g.RegisterCleanup(func() error { return fmt.Errorf("first registered") })
	g.RegisterCleanup(func() error { return fmt.Errorf("last registered") })

	err := g.Shutdown()
	require.Error(t, err)
	// reverse order: last registered runs first
	assert.Equal(t, "last registered", err.Error())
}
