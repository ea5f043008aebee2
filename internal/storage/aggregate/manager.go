package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tsdb/internal/storage/types"
)

// Downsampler folds series points into fixed windows. Points are
// expected in time order per series; a point in a later window
// completes the series' current window.
type Downsampler struct {
	mu sync.Mutex

	window   time.Duration
	accuracy float64

	// Active aggregates keyed by series key
	aggregates map[string]*Aggregate

	// Completed windows waiting to be flushed
	completed []types.AggregateResult

	stats Stats
}

// Stats holds downsampler statistics.
type Stats struct {
	ActiveAggregates int64
	CompletedPending int64
	PointsProcessed  int64
	WindowsCompleted int64
	LatePoints       int64
}

// NewDownsampler creates a downsampler with the given window length.
// accuracy enables quantiles when positive.
func NewDownsampler(window time.Duration, accuracy float64) (*Downsampler, error) {
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms, got %s", window)
	}
	return &Downsampler{
		window:     window,
		accuracy:   accuracy,
		aggregates: make(map[string]*Aggregate),
	}, nil
}

// Process adds the points of s.
func (d *Downsampler) Process(s *types.Series) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := s.Key()
	for _, p := range s.Points {
		start, end := d.windowOf(p.Timestamp)

		agg, ok := d.aggregates[key]
		switch {
		case !ok:
			agg = New(s, start, end, d.accuracy)
			d.aggregates[key] = agg
		case start > agg.WindowStart():
			if !agg.IsEmpty() {
				d.completed = append(d.completed, agg.Result())
				d.stats.WindowsCompleted++
			}
			agg.Reset(start, end)
		case start < agg.WindowStart():
			d.stats.LatePoints++
			continue
		}

		agg.Add(p)
		d.stats.PointsProcessed++
	}
}

// Flush completes every active window and returns all results ordered
// by series key and window.
func (d *Downsampler) Flush() []types.AggregateResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, agg := range d.aggregates {
		if !agg.IsEmpty() {
			d.completed = append(d.completed, agg.Result())
			d.stats.WindowsCompleted++
		}
	}
	d.aggregates = make(map[string]*Aggregate)

	out := d.completed
	d.completed = nil

	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].Key(), out[j].Key()
		if ki != kj {
			return ki < kj
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	return out
}

// Stats returns current statistics.
func (d *Downsampler) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	stats.ActiveAggregates = int64(len(d.aggregates))
	stats.CompletedPending = int64(len(d.completed))
	return stats
}

// windowOf returns the window holding ts. Negative timestamps floor.
func (d *Downsampler) windowOf(ts int64) (start, end int64) {
	w := d.window.Milliseconds()
	start = ts / w * w
	if ts < 0 && start != ts {
		start -= w
	}
	return start, start + w
}

// Downsample folds every series into windows of the given length.
func Downsample(series []types.Series, window time.Duration, accuracy float64) ([]types.AggregateResult, error) {
	d, err := NewDownsampler(window, accuracy)
	if err != nil {
		return nil, err
	}
	for i := range series {
		d.Process(&series[i])
	}
	return d.Flush(), nil
}
