// Package testing provides helpers shared by the tsdb test suites.
//
// t.Fatal and t.FailNow must not be called from goroutines other than the
// test goroutine: they call runtime.Goexit, which only ends the calling
// goroutine. Goroutines started through a TestHelper return errors
// instead, and Wait reports them from the test goroutine.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestHelper collects errors from goroutines.
//
//	h := NewTestHelper(t)
//	for i := 0; i < 10; i++ {
//	    h.Go(func() error { return write(i) })
//	}
//	h.Wait()
type TestHelper struct {
	t      testing.TB
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewTestHelper creates a helper whose context ends with the test.
func NewTestHelper(t testing.TB) *TestHelper {
	return NewTestHelperWithTimeout(t, 0)
}

// NewTestHelperWithTimeout creates a helper whose context is cancelled
// after timeout. A zero timeout never expires.
func NewTestHelperWithTimeout(t testing.TB, timeout time.Duration) *TestHelper {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.Cleanup(cancel)
	return &TestHelper{t: t, ctx: ctx, cancel: cancel}
}

// Context returns the helper context.
func (h *TestHelper) Context() context.Context { return h.ctx }

// Go runs fn in a goroutine and records its error.
func (h *TestHelper) Go(fn func() error) {
	h.GoWithContext(func(context.Context) error { return fn() })
}

// GoWithContext runs fn in a goroutine with the helper context.
func (h *TestHelper) GoWithContext(fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(h.ctx); err != nil {
			h.Error(err)
		}
	}()
}

// Errorf records an error. It is safe to call from any goroutine.
func (h *TestHelper) Errorf(format string, args ...any) {
	h.Error(fmt.Errorf(format, args...))
}

// Error records err when it is not nil.
func (h *TestHelper) Error(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

// Wait waits for every goroutine and fails the test if any reported an
// error. Call it from the test goroutine.
func (h *TestHelper) Wait() {
	h.t.Helper()
	h.wg.Wait()
	h.cancel()

	h.mu.Lock()
	errs := h.errs
	h.errs = nil
	h.mu.Unlock()

	for i, err := range errs {
		h.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	if len(errs) > 0 {
		h.t.FailNow()
	}
}

// Eventually polls condition every interval until it holds or timeout
// passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// WithTimeout runs fn and returns its error, or a timeout error when fn
// does not return in time. fn keeps running after a timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}
