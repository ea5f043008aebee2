// Package series implements buckets and the per-series bucket directory.
//
// A Bucket covers one time window of one series and owns one codec
// writer. A TimeSeries keeps its buckets ordered by window and allows a
// single active bucket; rollover to a new window turns the previous
// bucket read-only.
package series

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/compression"
)

// State is the bucket lifecycle state.
type State int32

const (
	// StateActive accepts writes.
	StateActive State = iota
	// StateFull reached its point cap and waits for rollover.
	StateFull
	// StateReadOnly is terminal.
	StateReadOnly
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFull:
		return "full"
	case StateReadOnly:
		return "read_only"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

var bucketIDs atomic.Uint64

// Bucket is one time window of one series.
type Bucket struct {
	id  uint64
	key int64
	fp  bool

	mu      sync.RWMutex
	writer  compression.Writer
	state   State
	version uint64
}

// NewBucket creates an active bucket for window key whose first point
// has timestamp headerTs.
func NewBucket(key, headerTs int64, fp bool, codec compression.Codec, initialSize int) (*Bucket, error) {
	w := codec.New(initialSize)
	if err := w.SetHeaderTimestamp(headerTs); err != nil {
		return nil, err
	}
	return &Bucket{
		id:     bucketIDs.Add(1),
		key:    key,
		fp:     fp,
		writer: w,
		state:  StateActive,
	}, nil
}

// OpenBucket wraps a restored read-only writer.
func OpenBucket(key int64, fp bool, w compression.Writer) *Bucket {
	return &Bucket{
		id:     bucketIDs.Add(1),
		key:    key,
		fp:     fp,
		writer: w,
		state:  StateReadOnly,
	}
}

// ID is unique per process.
func (b *Bucket) ID() uint64 { return b.id }

// Key is the window start.
func (b *Bucket) Key() int64 { return b.key }

// FP reports whether the bucket holds float bit patterns.
func (b *Bucket) FP() bool { return b.fp }

// Add encodes one point.
func (b *Bucket) Add(ts, value int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != StateActive {
		return fmt.Errorf("bucket %d is %s: %w", b.key, b.state, errors.ErrReadOnly)
	}
	return b.writer.Add(ts, value)
}

// Reader returns a snapshot reader.
func (b *Bucket) Reader() (compression.Reader, error) {
	return b.Writer().Reader()
}

// Writer returns the current codec writer.
func (b *Bucket) Writer() compression.Writer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writer
}

// State returns the lifecycle state.
func (b *Bucket) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsReadOnly reports whether the bucket reached its terminal state.
func (b *Bucket) IsReadOnly() bool { return b.State() == StateReadOnly }

// Version changes whenever the writer is replaced.
func (b *Bucket) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *Bucket) Count() int { return b.Writer().Count() }
func (b *Bucket) HeaderTimestamp() int64 { return b.Writer().HeaderTimestamp() }
func (b *Bucket) CompressionRatio() float64 { return b.Writer().CompressionRatio() }
func (b *Bucket) Size() int { return b.Writer().Size() }
func (b *Bucket) Codec() string { return b.Writer().Codec() }

// MarkFull moves an active bucket to Full.
func (b *Bucket) MarkFull() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateActive {
		b.state = StateFull
	}
}

// MakeReadOnly seals the bucket.
func (b *Bucket) MakeReadOnly() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateReadOnly {
		return nil
	}
	if err := b.writer.MakeReadOnly(); err != nil {
		return err
	}
	b.state = StateReadOnly
	return nil
}

// Replace swaps in a re-encoded writer holding the same points.
func (b *Bucket) Replace(w compression.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateReadOnly {
		return fmt.Errorf("replace %s bucket: %w", b.state, errors.ErrInvalidArgument)
	}
	if w.Count() != b.writer.Count() {
		return fmt.Errorf("replace bucket: count %d != %d: %w", w.Count(), b.writer.Count(), errors.ErrInvalidArgument)
	}
	b.writer = w
	b.version++
	return nil
}

// =============================================================================
// Serialization
// =============================================================================

const flagFP byte = 1

// MarshalBinary returns [codec id][flags][codec bytes].
func (b *Bucket) MarshalBinary() ([]byte, error) {
	w := b.Writer()
	codec, err := compression.Lookup(w.Codec())
	if err != nil {
		return nil, err
	}
	data, err := w.Bytes()
	if err != nil {
		return nil, err
	}

	var flags byte
	if b.fp {
		flags |= flagFP
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, codec.ID, flags)
	return append(out, data...), nil
}

// UnmarshalBucket restores a read-only bucket written by MarshalBinary.
func UnmarshalBucket(key int64, count int, data []byte) (*Bucket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("bucket payload of %d bytes: %w", len(data), errors.ErrCorrupt)
	}
	codec, err := compression.LookupID(data[0])
	if err != nil {
		return nil, err
	}
	w, err := codec.Open(data[2:], count)
	if err != nil {
		return nil, err
	}
	return OpenBucket(key, data[1]&flagFP != 0, w), nil
}
