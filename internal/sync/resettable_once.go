// Package sync provides a resettable Once for connections that are
// re-established after a failure.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce runs a function once until Reset is called. A client
// uses it to dial lazily and to dial again after the connection was
// reported unavailable. It is safe for concurrent use.
type ResettableOnce struct {
	done atomic.Bool
	mu   sync.Mutex
}

// Do calls f unless a previous call completed since the last Reset.
// Concurrent callers block until the running f returns.
func (o *ResettableOnce) Do(f func()) {
	if o.done.Load() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.done.Load() {
		defer o.done.Store(true)
		f()
	}
}

// DoWithError is like Do, but a failing f does not count as done, so the
// next call runs f again.
func (o *ResettableOnce) DoWithError(f func() error) error {
	if o.done.Load() {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done.Load() {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Reset lets the next Do run again. It waits for a running Do.
func (o *ResettableOnce) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done.Store(false)
}

// Done reports whether a Do completed since the last Reset.
func (o *ResettableOnce) Done() bool {
	return o.done.Load()
}
