package compression

import (
	"fmt"
	"math"
	"sync"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/buffer"
)

// Byzantine layout, all big-endian:
//
//	[8 header timestamp] then per point:
//	[1 ts tag][0|1|2|4 bytes delta-of-delta][1 value tag][0|1|2|4|8 bytes xor]
const (
	byzantineHeaderSize = 8

	// tag + int32 delta-of-delta + tag + int64 xor
	byzantineMaxRecord = 1 + 4 + 1 + 8
)

// Timestamp tags.
const (
	tsTagZero  byte = 0
	tsTagByte  byte = 1
	tsTagShort byte = 10
	tsTagInt   byte = 11
)

// Value tags.
const (
	valTagZero  byte = 0
	valTagByte  byte = 1
	valTagShort byte = 2
	valTagInt   byte = 3
	valTagLong  byte = 4
)

type byzantineWriter struct {
	mu  sync.RWMutex
	buf *buffer.Buffer

	header    int64
	headerSet bool
	prevTs    int64
	prevDelta int64
	prevValue int64
	count     int
	readOnly  bool
}

func newByzantineWriter(initialSize int) Writer {
	if initialSize < 1 {
		initialSize = 1
	}
	return &byzantineWriter{buf: buffer.New(initialSize)}
}

func openByzantine(data []byte, count int) (Writer, error) {
	if len(data) < byzantineHeaderSize {
		return nil, fmt.Errorf("byzantine: %d bytes is shorter than the header: %w", len(data), errors.ErrCorrupt)
	}
	b := make([]byte, len(data))
	copy(b, data)
	buf := buffer.Wrap(b)
	header, _ := buf.GetLong()
	_ = buf.SetPosition(len(b))
	return &byzantineWriter{
		buf:       buf,
		header:    header,
		headerSet: true,
		count:     count,
		readOnly:  true,
	}, nil
}

func (w *byzantineWriter) SetHeaderTimestamp(ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerSet {
		return errHeaderAlreadySet(Byzantine)
	}
	if _, err := w.buf.Reserve(byzantineHeaderSize); err != nil {
		return err
	}
	if err := w.buf.PutLong(ts); err != nil {
		return err
	}
	w.header = ts
	w.prevTs = ts
	w.headerSet = true
	return nil
}

func (w *byzantineWriter) Add(ts int64, value int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return errors.ErrReadOnly
	}
	if !w.headerSet {
		return errHeaderNotSet(Byzantine)
	}

	delta := ts - w.prevTs
	dod := delta - w.prevDelta
	if dod < math.MinInt32 || dod > math.MaxInt32 {
		return fmt.Errorf("byzantine: delta-of-delta %d exceeds 32 bits: %w", dod, errors.ErrInvalidArgument)
	}

	if _, err := w.buf.Reserve(byzantineMaxRecord); err != nil {
		return err
	}
	if err := w.putTimestamp(dod); err != nil {
		return err
	}
	if err := w.putValue(w.prevValue ^ value); err != nil {
		return err
	}

	w.prevTs = ts
	w.prevDelta = delta
	w.prevValue = value
	w.count++
	return nil
}

func (w *byzantineWriter) putTimestamp(dod int64) error {
	switch {
	case dod == 0:
		return w.buf.PutByte(tsTagZero)
	case dod >= math.MinInt8 && dod <= math.MaxInt8:
		_ = w.buf.PutByte(tsTagByte)
		return w.buf.PutByte(byte(int8(dod)))
	case dod >= math.MinInt16 && dod <= math.MaxInt16:
		_ = w.buf.PutByte(tsTagShort)
		return w.buf.PutShort(int16(dod))
	default:
		_ = w.buf.PutByte(tsTagInt)
		return w.buf.PutInt(int32(dod))
	}
}

func (w *byzantineWriter) putValue(xor int64) error {
	switch {
	case xor == 0:
		return w.buf.PutByte(valTagZero)
	case xor >= math.MinInt8 && xor <= math.MaxInt8:
		_ = w.buf.PutByte(valTagByte)
		return w.buf.PutByte(byte(int8(xor)))
	case xor >= math.MinInt16 && xor <= math.MaxInt16:
		_ = w.buf.PutByte(valTagShort)
		return w.buf.PutShort(int16(xor))
	case xor >= math.MinInt32 && xor <= math.MaxInt32:
		_ = w.buf.PutByte(valTagInt)
		return w.buf.PutInt(int32(xor))
	default:
		_ = w.buf.PutByte(valTagLong)
		return w.buf.PutLong(xor)
	}
}

func (w *byzantineWriter) Reader() (Reader, error) {
	w.mu.RLock()
	dup := w.buf.ReadOnlyDuplicate()
	count := w.count
	w.mu.RUnlock()

	dup.Flip()
	r := &byzantineReader{buf: dup, count: count}
	if count > 0 {
		ts, err := dup.GetLong()
		if err != nil {
			return nil, fmt.Errorf("byzantine: read header: %w", err)
		}
		r.prevTs = ts
	}
	return r, nil
}

func (w *byzantineWriter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

func (w *byzantineWriter) HeaderTimestamp() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.header
}

func (w *byzantineWriter) CompressionRatio() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ratio(w.count, w.buf.Position())
}

func (w *byzantineWriter) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.buf.Position()
}

func (w *byzantineWriter) Bytes() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]byte, w.buf.Position())
	copy(out, w.buf.Bytes())
	return out, nil
}

// MakeReadOnly trims the buffer to the bytes in use.
func (w *byzantineWriter) MakeReadOnly() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return nil
	}
	trimmed := make([]byte, w.buf.Position())
	copy(trimmed, w.buf.Bytes())
	buf := buffer.Wrap(trimmed)
	_ = buf.SetPosition(len(trimmed))
	w.buf = buf
	w.readOnly = true
	return nil
}

func (w *byzantineWriter) IsReadOnly() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.readOnly
}

func (w *byzantineWriter) Codec() string { return Byzantine }

type byzantineReader struct {
	buf       *buffer.Buffer
	count     int
	counter   int
	prevTs    int64
	delta     int64
	prevValue int64
}

func (r *byzantineReader) Count() int { return r.count }

func (r *byzantineReader) Read() (int64, int64, error) {
	if r.counter >= r.count {
		return 0, 0, errors.ErrEndOfStream
	}

	dod, err := r.readTimestamp()
	if err != nil {
		return 0, 0, err
	}
	xor, err := r.readValue()
	if err != nil {
		return 0, 0, err
	}

	r.delta += dod
	r.prevTs += r.delta
	r.prevValue ^= xor
	r.counter++
	return r.prevTs, r.prevValue, nil
}

func (r *byzantineReader) readTimestamp() (int64, error) {
	tag, err := r.buf.GetByte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tsTagZero:
		return 0, nil
	case tsTagByte:
		v, err := r.buf.GetByte()
		return int64(int8(v)), err
	case tsTagShort:
		v, err := r.buf.GetShort()
		return int64(v), err
	case tsTagInt:
		v, err := r.buf.GetInt()
		return int64(v), err
	default:
		return 0, fmt.Errorf("byzantine: timestamp tag %d at record %d: %w", tag, r.counter, errors.ErrCorrupt)
	}
}

func (r *byzantineReader) readValue() (int64, error) {
	tag, err := r.buf.GetByte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case valTagZero:
		return 0, nil
	case valTagByte:
		v, err := r.buf.GetByte()
		return int64(int8(v)), err
	case valTagShort:
		v, err := r.buf.GetShort()
		return int64(v), err
	case valTagInt:
		v, err := r.buf.GetInt()
		return int64(v), err
	case valTagLong:
		return r.buf.GetLong()
	default:
		return 0, fmt.Errorf("byzantine: value tag %d at record %d: %w", tag, r.counter, errors.ErrCorrupt)
	}
}
