// Package aggregate computes summaries and downsampled windows over
// decoded series data. Quantiles come from a DDSketch.
package aggregate

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of quantile estimates.
const DefaultAccuracy = 0.01

// Aggregate maintains running statistics for one series and time window.
type Aggregate struct {
	mu sync.Mutex

	// Identity
	db          string
	measurement string
	field       string
	tags        types.Tags

	// Time window
	windowStart int64 // Unix milliseconds
	windowEnd   int64 // Unix milliseconds

	// Running statistics
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// nil when quantiles are disabled
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates an aggregate for the series s over [windowStart, windowEnd).
// accuracy enables quantiles when positive.
func New(s *types.Series, windowStart, windowEnd int64, accuracy float64) *Aggregate {
	agg := &Aggregate{
		db:          s.DB,
		measurement: s.Measurement,
		field:       s.Field,
		tags:        s.Tags,
		windowStart: windowStart,
		windowEnd:   windowEnd,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
		firstTs:     math.MaxInt64,
		lastTs:      math.MinInt64,
		accuracy:    accuracy,
	}
	agg.sketch = newSketch(accuracy)
	return agg
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// Add adds a point to the aggregate.
func (a *Aggregate) Add(p types.DataPoint) {
	value := p.Float()
	if math.IsNaN(value) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value
	a.min = min(a.min, value)
	a.max = max(a.max, value)
	a.firstTs = min(a.firstTs, p.Timestamp)
	a.lastTs = max(a.lastTs, p.Timestamp)

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// Count returns the number of points added.
func (a *Aggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty returns true if no points have been added.
func (a *Aggregate) IsEmpty() bool {
	return a.Count() == 0
}

// WindowStart returns the window start timestamp.
func (a *Aggregate) WindowStart() int64 {
	return a.windowStart
}

// Result returns the aggregation result.
func (a *Aggregate) Result() types.AggregateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.AggregateResult{
		DB:          a.db,
		Measurement: a.measurement,
		Field:       a.field,
		Tags:        a.tags,
		BucketStart: a.windowStart,
		BucketEnd:   a.windowEnd,
		Count:       a.count,
		Sum:         a.sum,
	}
	if a.count == 0 {
		return result
	}

	result.Avg = a.sum / float64(a.count)
	result.Min = a.min
	result.Max = a.max
	result.FirstTs = a.firstTs
	result.LastTs = a.lastTs

	if a.sketch != nil {
		qs, err := a.sketch.GetValuesAtQuantiles([]float64{0.50, 0.90, 0.95, 0.99})
		if err == nil {
			result.SetPercentiles(qs[0], qs[1], qs[2], qs[3])
		}
	}
	return result
}

// Reset clears the aggregate for a new window.
func (a *Aggregate) Reset(windowStart, windowEnd int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowStart = windowStart
	a.windowEnd = windowEnd
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.firstTs = math.MaxInt64
	a.lastTs = math.MinInt64

	// DDSketch has no Clear
	a.sketch = newSketch(a.accuracy)
}

// Merge combines other into a. Both must cover the same window.
func (a *Aggregate) Merge(other *Aggregate) error {
	if other == nil || a == other {
		return nil
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count += other.count
	a.sum += other.sum
	a.min = min(a.min, other.min)
	a.max = max(a.max, other.max)
	a.firstTs = min(a.firstTs, other.firstTs)
	a.lastTs = max(a.lastTs, other.lastTs)

	if a.sketch != nil && other.sketch != nil {
		return a.sketch.MergeWith(other.sketch)
	}
	return nil
}

// Summarize aggregates every point of s into one result spanning the
// first to the last timestamp.
func Summarize(s *types.Series, accuracy float64) types.AggregateResult {
	if len(s.Points) == 0 {
		return New(s, 0, 0, 0).Result()
	}

	first := s.Points[0].Timestamp
	last := s.Points[len(s.Points)-1].Timestamp
	agg := New(s, first, last+1, accuracy)
	for _, p := range s.Points {
		agg.Add(p)
	}
	return agg.Result()
}

// Duration returns the window length.
func (a *Aggregate) Duration() time.Duration {
	return time.Duration(a.windowEnd-a.windowStart) * time.Millisecond
}
