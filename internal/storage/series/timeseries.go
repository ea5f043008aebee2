package series

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// Cache holds decoded points of read-only buckets.
type Cache interface {
	Get(b *Bucket) ([]types.DataPoint, bool)
	Put(b *Bucket, points []types.DataPoint)
}

// Options configures a TimeSeries.
type Options struct {
	// BucketWidth is the window size in milliseconds.
	BucketWidth int64

	// MaxPointsPerBucket marks a bucket Full once reached. Zero disables the cap.
	MaxPointsPerBucket int

	Codec             compression.Codec
	InitialBufferSize int

	// Cache is optional.
	Cache Cache
}

// TimeSeries is the bucket directory of one series field.
type TimeSeries struct {
	opts Options

	mu      sync.RWMutex
	fp      bool
	typed   bool
	windows map[int64][]*Bucket
	keys    []int64 // sorted window keys
	active  *Bucket
}

// New creates an empty TimeSeries.
func New(opts Options) *TimeSeries {
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = 1
	}
	return &TimeSeries{
		opts:    opts,
		windows: make(map[int64][]*Bucket),
	}
}

// WindowKey returns floor(ts/width)*width.
func WindowKey(ts, width int64) int64 {
	k := ts / width * width
	if ts < 0 && ts%width != 0 {
		k -= width
	}
	return k
}

// FP reports whether the series holds floating point values. It is
// fixed by the first accepted point.
func (s *TimeSeries) FP() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fp
}

// BucketWidth returns the window size in milliseconds.
func (s *TimeSeries) BucketWidth() int64 { return s.opts.BucketWidth }

// AddDataPoint encodes one point into the active bucket, rolling over
// first when the point belongs to a later window or the active bucket is
// full. Points for a sealed earlier window and points whose type differs
// from the series are rejected.
func (s *TimeSeries) AddDataPoint(dp types.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.typed && s.fp != dp.FP {
		return fmt.Errorf("%w: %w", errors.ErrRejected, errors.ErrTypeMismatch)
	}

	key := WindowKey(dp.Timestamp, s.opts.BucketWidth)
	b, err := s.bucketForLocked(key, dp)
	if err != nil {
		return err
	}

	if err := b.Add(dp.Timestamp, dp.Value); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrRejected, err)
	}

	if !s.typed {
		s.fp = dp.FP
		s.typed = true
	}

	if s.opts.MaxPointsPerBucket > 0 && b.Count() >= s.opts.MaxPointsPerBucket {
		b.MarkFull()
	}
	return nil
}

func (s *TimeSeries) bucketForLocked(key int64, dp types.DataPoint) (*Bucket, error) {
	a := s.active
	if a != nil && a.Key() == key && a.State() == StateActive {
		return a, nil
	}
	if a != nil && key < a.Key() {
		return nil, fmt.Errorf("%w: window %d is sealed: %w", errors.ErrRejected, key, errors.ErrReadOnly)
	}
	if a == nil && len(s.keys) > 0 && key <= s.keys[len(s.keys)-1] {
		return nil, fmt.Errorf("%w: window %d is sealed: %w", errors.ErrRejected, key, errors.ErrReadOnly)
	}

	if a != nil {
		if err := a.MakeReadOnly(); err != nil {
			return nil, err
		}
	}

	b, err := NewBucket(key, dp.Timestamp, dp.FP, s.opts.Codec, s.opts.InitialBufferSize)
	if err != nil {
		return nil, err
	}
	s.insertLocked(b)
	s.active = b
	return b, nil
}

func (s *TimeSeries) insertLocked(b *Bucket) {
	key := b.Key()
	if _, ok := s.windows[key]; !ok {
		i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
		s.keys = append(s.keys, 0)
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.windows[key] = append(s.windows[key], b)
}

// AddBucket inserts a restored read-only bucket.
func (s *TimeSeries) AddBucket(b *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.typed && s.fp != b.FP() {
		return errors.ErrTypeMismatch
	}
	if !b.IsReadOnly() {
		return fmt.Errorf("restore active bucket: %w", errors.ErrInvalidArgument)
	}
	s.insertLocked(b)
	s.fp = b.FP()
	s.typed = true
	return nil
}

// Buckets returns every bucket in window order.
func (s *TimeSeries) Buckets() []*Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Bucket, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.windows[k]...)
	}
	return out
}

// ReadOnlyBuckets returns the sealed buckets in window order.
func (s *TimeSeries) ReadOnlyBuckets() []*Bucket {
	all := s.Buckets()
	out := all[:0]
	for _, b := range all {
		if b.IsReadOnly() {
			out = append(out, b)
		}
	}
	return out
}

// Active returns the active bucket, or nil.
func (s *TimeSeries) Active() *Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Count returns the number of points across all buckets.
func (s *TimeSeries) Count() int {
	n := 0
	for _, b := range s.Buckets() {
		n += b.Count()
	}
	return n
}

// Empty reports whether the series has no buckets.
func (s *TimeSeries) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) == 0
}

// MakeReadOnly seals every bucket. Later points open a new window.
func (s *TimeSeries) MakeReadOnly() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	if err := s.active.MakeReadOnly(); err != nil {
		return err
	}
	s.active = nil
	return nil
}

// DropBefore removes sealed windows ending at or before cutoff and
// returns the dropped buckets.
func (s *TimeSeries) DropBefore(cutoff int64) []*Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*Bucket
	n := 0
	for _, k := range s.keys {
		bs := s.windows[k]
		if k+s.opts.BucketWidth > cutoff || containsActive(bs, s.active) {
			s.keys[n] = k
			n++
			continue
		}
		dropped = append(dropped, bs...)
		delete(s.windows, k)
	}
	s.keys = s.keys[:n]
	return dropped
}

func containsActive(bs []*Bucket, active *Bucket) bool {
	for _, b := range bs {
		if b == active {
			return true
		}
	}
	return false
}

// Query decodes the points in [start, end] that satisfy expr. Reversed
// bounds are swapped.
func (s *TimeSeries) Query(start, end int64, expr *types.Expr) ([]types.DataPoint, error) {
	if start > end {
		start, end = end, start
	}

	s.mu.RLock()
	var selected []*Bucket
	for _, k := range s.keys {
		if k > end {
			break
		}
		if k+s.opts.BucketWidth <= start {
			continue
		}
		selected = append(selected, s.windows[k]...)
	}
	fp := s.fp
	s.mu.RUnlock()

	keep := func(ts, v int64) bool {
		return ts >= start && ts <= end && expr.Eval(ts, v, fp)
	}

	var out []types.DataPoint
	for _, b := range selected {
		if s.opts.Cache == nil || !b.IsReadOnly() {
			var err error
			if out, err = decodeInto(out, b, fp, keep); err != nil {
				return nil, fmt.Errorf("decode bucket %d: %w", b.Key(), err)
			}
			continue
		}

		points, err := s.cached(b, fp)
		if err != nil {
			return nil, fmt.Errorf("decode bucket %d: %w", b.Key(), err)
		}
		for _, p := range points {
			if keep(p.Timestamp, p.Value) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// cached returns every point of the read-only bucket b, decoding and
// caching it on a miss.
func (s *TimeSeries) cached(b *Bucket, fp bool) ([]types.DataPoint, error) {
	if points, ok := s.opts.Cache.Get(b); ok {
		return points, nil
	}
	points, err := Decode(b, fp)
	if err != nil {
		return nil, err
	}
	s.opts.Cache.Put(b, points)
	return points, nil
}

// Decode reads every point of b.
func Decode(b *Bucket, fp bool) ([]types.DataPoint, error) {
	return decodeInto(nil, b, fp, nil)
}

// decodeInto appends the points of b that keep accepts to out. A nil
// keep accepts every point.
func decodeInto(out []types.DataPoint, b *Bucket, fp bool, keep func(ts, v int64) bool) ([]types.DataPoint, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	if out == nil && keep == nil {
		out = make([]types.DataPoint, 0, r.Count())
	}
	for {
		ts, v, err := r.Read()
		if errors.IsEndOfStream(err) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(ts, v) {
			continue
		}
		out = append(out, types.DataPoint{Timestamp: ts, Value: v, FP: fp})
	}
}
