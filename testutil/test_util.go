package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
)

func NilOf[T any]() T {
	var zero T
	return zero
}

func AssertNil[T any](t *testing.T, value T) {
	assert.Equal(t, value, NilOf[T]())
}

func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}
