// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"randomness-sts/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWaitTimeout bounds WaitForCondition when the caller's context has no
// deadline.
const DefaultWaitTimeout = 5 * time.Second

var registryMu sync.Mutex

// ResetRegistryForTest provides an isolated Prometheus registry for the lifetime
// of the test. It reconfigures the metrics package to use the per-test registry
// and restores the previous registerer once the test completes.
//
// The package-level lock is held for the whole test, so tests using this
// helper execute serially with respect to each other.
func ResetRegistryForTest(t *testing.T) *prometheus.Registry {
	t.Helper()

	registryMu.Lock()

	reg := prometheus.NewRegistry()
	metrics.ResetForTesting(reg)

	t.Cleanup(func() {
		metrics.ResetForTesting(prometheus.DefaultRegisterer)
		registryMu.Unlock()
	})

	return reg
}

// WaitForCondition polls probe until it reports success or the context is
// done. A context without deadline is bounded by DefaultWaitTimeout.
func WaitForCondition[T any](ctx context.Context, probe func() (T, bool)) (T, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultWaitTimeout)
		defer cancel()
	}

	var zero T
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if val, ok := probe(); ok {
			return val, nil
		}

		runtime.Gosched()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitUntil fails the test unless cond becomes true within DefaultWaitTimeout.
func WaitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	if _, err := WaitForCondition(context.Background(), func() (struct{}, bool) {
		return struct{}{}, cond()
	}); err != nil {
		t.Fatalf("timeout waiting for %s: %v", desc, err)
	}
}

// WaitForError blocks until ch yields a value and returns that value.
// The helper fails the test only if WaitForCondition returns an error.
func WaitForError(t *testing.T, ch <-chan error, desc string) error {
	t.Helper()
	result, err := WaitForCondition(context.Background(), func() (error, bool) {
		select {
		case err := <-ch:
			return err, true
		default:
			return nil, false
		}
	})
	if err != nil {
		t.Fatalf("timeout waiting for %s: %v", desc, err)
	}
	return result
}
