package testing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTestHelper_Go(t *testing.T) {
	h := NewTestHelper(t)

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		h.Go(func() error {
			n.Add(1)
			return nil
		})
	}
	h.Wait()

	if got := n.Load(); got != 10 {
		t.Errorf("ran %d goroutines, want 10", got)
	}
}

func TestTestHelper_ContextEndsOnTimeout(t *testing.T) {
	h := NewTestHelperWithTimeout(t, 50*time.Millisecond)

	h.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("context was not cancelled")
		}
	})
	h.Wait()
}

func TestTestHelper_RecordsErrors(t *testing.T) {
	// Errors are checked through the collector directly; Wait would fail
	// this test.
	h := NewTestHelper(t)
	h.Go(func() error { return errors.New("boom") })
	h.Errorf("worker %d", 2)
	h.Error(nil)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 2 {
		t.Errorf("recorded %d errors, want 2", len(h.errs))
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	err := Eventually(time.Second, time.Millisecond, func() bool {
		return n.Add(1) >= 3
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	want := errors.New("failed")
	if err := WithTimeout(time.Second, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}

	err := WithTimeout(10*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestSeries(t *testing.T) {
	s := DefaultSeries()
	s.Start = 5000

	floats := s.Floats(3)
	if floats[2].Timestamp != 7000 || !floats[2].FP || floats[0].RouteKey() != "metrics/cpu" {
		t.Errorf("unexpected float points %+v", floats)
	}

	ints := s.Ints(4)
	if ints[3].Value != 6 || ints[3].FP {
		t.Errorf("unexpected int point %+v", ints[3])
	}

	a, b := s.RandomWalk(100, 7), s.RandomWalk(100, 7)
	for i := range a {
		if a[i].DataPoint != b[i].DataPoint {
			t.Fatalf("random walk differs at %d", i)
		}
	}
	if len(DataPoints(a)) != 100 {
		t.Error("DataPoints dropped points")
	}
}
