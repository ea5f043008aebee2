package compression

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/xtxerr/tsdb/internal/errors"
)

/*
Gorilla layout, bit packed and MSB first:

Timestamps: a 64 bit header, then per point D = delta - prevDelta:
	D == 0              '0'
	D in [-64, 63]      '10'   + 7 bits
	D in [-256, 255]    '110'  + 9 bits
	D in [-2048, 2047]  '1110' + 12 bits
	otherwise           '1111' + 32 bits

Values: X = prev XOR value (prev starts at 0):
	X == 0              '0'
	X fits the previous leading/trailing window
	                    '10' + meaningful bits
	otherwise           '11' + 5 bits leading zeros + 6 bits length + meaningful bits
*/

type gorillaWriter struct {
	mu sync.RWMutex
	bw bitWriter

	header    int64
	headerSet bool
	prevTs    int64
	prevDelta int64
	prevValue int64
	leading   uint8
	trailing  uint8
	count     int
	readOnly  bool
}

func newGorillaWriter(initialSize int) Writer {
	if initialSize < 0 {
		initialSize = 0
	}
	return &gorillaWriter{
		bw:      bitWriter{b: make([]byte, 0, initialSize)},
		leading: math.MaxUint8,
	}
}

func openGorilla(data []byte, count int) (Writer, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("gorilla: %d bytes is shorter than the header: %w", len(data), errors.ErrCorrupt)
	}
	b := make([]byte, len(data))
	copy(b, data)
	br := bitReader{b: b}
	header, _ := br.readBits(64)
	return &gorillaWriter{
		bw:        bitWriter{b: b},
		header:    int64(header),
		headerSet: true,
		count:     count,
		readOnly:  true,
	}, nil
}

func (w *gorillaWriter) SetHeaderTimestamp(ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerSet {
		return errHeaderAlreadySet(Gorilla)
	}
	w.bw.writeBits(uint64(ts), 64)
	w.header = ts
	w.prevTs = ts
	w.headerSet = true
	return nil
}

func (w *gorillaWriter) Add(ts int64, value int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return errors.ErrReadOnly
	}
	if !w.headerSet {
		return errHeaderNotSet(Gorilla)
	}

	delta := ts - w.prevTs
	dod := delta - w.prevDelta
	if dod < math.MinInt32 || dod > math.MaxInt32 {
		return fmt.Errorf("gorilla: delta-of-delta %d exceeds 32 bits: %w", dod, errors.ErrInvalidArgument)
	}

	switch {
	case dod == 0:
		w.bw.writeBit(false)
	case dod >= -64 && dod <= 63:
		w.bw.writeBits(0b10, 2)
		w.bw.writeBits(uint64(dod), 7)
	case dod >= -256 && dod <= 255:
		w.bw.writeBits(0b110, 3)
		w.bw.writeBits(uint64(dod), 9)
	case dod >= -2048 && dod <= 2047:
		w.bw.writeBits(0b1110, 4)
		w.bw.writeBits(uint64(dod), 12)
	default:
		w.bw.writeBits(0b1111, 4)
		w.bw.writeBits(uint64(dod), 32)
	}

	w.writeValue(uint64(w.prevValue ^ value))

	w.prevTs = ts
	w.prevDelta = delta
	w.prevValue = value
	w.count++
	return nil
}

func (w *gorillaWriter) writeValue(xor uint64) {
	if xor == 0 {
		w.bw.writeBit(false)
		return
	}
	w.bw.writeBit(true)

	leading := uint8(bits.LeadingZeros64(xor))
	trailing := uint8(bits.TrailingZeros64(xor))
	// leading zeros are stored in 5 bits
	if leading >= 32 {
		leading = 31
	}

	if w.leading != math.MaxUint8 && leading >= w.leading && trailing >= w.trailing {
		w.bw.writeBit(false)
		w.bw.writeBits(xor>>w.trailing, 64-int(w.leading)-int(w.trailing))
		return
	}

	w.leading, w.trailing = leading, trailing
	w.bw.writeBit(true)
	w.bw.writeBits(uint64(leading), 5)

	// 64 significant bits are stored as 0
	sigBits := 64 - leading - trailing
	w.bw.writeBits(uint64(sigBits), 6)
	w.bw.writeBits(xor>>trailing, int(sigBits))
}

func (w *gorillaWriter) Reader() (Reader, error) {
	w.mu.RLock()
	snapshot := make([]byte, len(w.bw.b))
	copy(snapshot, w.bw.b)
	count := w.count
	w.mu.RUnlock()

	r := &gorillaReader{br: bitReader{b: snapshot}, count: count}
	if count > 0 {
		header, err := r.br.readBits(64)
		if err != nil {
			return nil, fmt.Errorf("gorilla: read header: %w", err)
		}
		r.prevTs = int64(header)
	}
	return r, nil
}

func (w *gorillaWriter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

func (w *gorillaWriter) HeaderTimestamp() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.header
}

func (w *gorillaWriter) CompressionRatio() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ratio(w.count, len(w.bw.b))
}

func (w *gorillaWriter) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bw.b)
}

func (w *gorillaWriter) Bytes() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]byte, len(w.bw.b))
	copy(out, w.bw.b)
	return out, nil
}

func (w *gorillaWriter) MakeReadOnly() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return nil
	}
	trimmed := make([]byte, len(w.bw.b))
	copy(trimmed, w.bw.b)
	w.bw = bitWriter{b: trimmed, free: w.bw.free}
	w.readOnly = true
	return nil
}

func (w *gorillaWriter) IsReadOnly() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.readOnly
}

func (w *gorillaWriter) Codec() string { return Gorilla }

type gorillaReader struct {
	br        bitReader
	count     int
	counter   int
	prevTs    int64
	delta     int64
	prevValue uint64
	leading   uint8
	trailing  uint8
}

func (r *gorillaReader) Count() int { return r.count }

func (r *gorillaReader) Read() (int64, int64, error) {
	if r.counter >= r.count {
		return 0, 0, errors.ErrEndOfStream
	}

	dod, err := r.readTimestamp()
	if err != nil {
		return 0, 0, err
	}
	if err := r.readValue(); err != nil {
		return 0, 0, err
	}

	r.delta += dod
	r.prevTs += r.delta
	r.counter++
	return r.prevTs, int64(r.prevValue), nil
}

func (r *gorillaReader) readTimestamp() (int64, error) {
	// count leading 1 bits of the control prefix, at most 4
	n := 0
	for n < 4 {
		bit, err := r.br.readBit()
		if err != nil {
			return 0, err
		}
		if !bit {
			break
		}
		n++
	}

	var size int
	switch n {
	case 0:
		return 0, nil
	case 1:
		size = 7
	case 2:
		size = 9
	case 3:
		size = 12
	default:
		size = 32
	}

	v, err := r.br.readBits(size)
	if err != nil {
		return 0, err
	}
	return signExtend(v, size), nil
}

func (r *gorillaReader) readValue() error {
	bit, err := r.br.readBit()
	if err != nil {
		return err
	}
	if !bit {
		return nil
	}

	control, err := r.br.readBit()
	if err != nil {
		return err
	}
	if control {
		leading, err := r.br.readBits(5)
		if err != nil {
			return err
		}
		sigBits, err := r.br.readBits(6)
		if err != nil {
			return err
		}
		if sigBits == 0 {
			sigBits = 64
		}
		r.leading = uint8(leading)
		r.trailing = uint8(64 - leading - sigBits)
	}

	size := 64 - int(r.leading) - int(r.trailing)
	v, err := r.br.readBits(size)
	if err != nil {
		return err
	}
	r.prevValue ^= v << r.trailing
	return nil
}

func signExtend(v uint64, size int) int64 {
	shift := 64 - size
	return int64(v<<shift) >> shift
}

// =============================================================================
// Bit stream
// =============================================================================

type bitWriter struct {
	b    []byte
	free uint8 // unused low bits in the last byte
}

func (w *bitWriter) writeBit(bit bool) {
	if w.free == 0 {
		w.b = append(w.b, 0)
		w.free = 8
	}
	if bit {
		w.b[len(w.b)-1] |= 1 << (w.free - 1)
	}
	w.free--
}

func (w *bitWriter) writeByte(v byte) {
	if w.free == 0 {
		w.b = append(w.b, v)
		return
	}
	w.b[len(w.b)-1] |= v >> (8 - w.free)
	w.b = append(w.b, v<<w.free)
}

// writeBits writes the low n bits of v, most significant first.
func (w *bitWriter) writeBits(v uint64, n int) {
	if n <= 0 {
		return
	}
	v <<= 64 - uint(n)
	for n >= 8 {
		w.writeByte(byte(v >> 56))
		v <<= 8
		n -= 8
	}
	for n > 0 {
		w.writeBit(v>>63 == 1)
		v <<= 1
		n--
	}
}

type bitReader struct {
	b   []byte
	pos int // bit index
}

func (r *bitReader) readBit() (bool, error) {
	if r.pos >= len(r.b)*8 {
		return false, fmt.Errorf("gorilla: bit %d past end: %w", r.pos, errors.ErrCorrupt)
	}
	bit := r.b[r.pos>>3]>>(7-uint(r.pos&7))&1 == 1
	r.pos++
	return bit, nil
}

func (r *bitReader) readBits(n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v <<= 1
		if bit {
			v |= 1
		}
	}
	return v, nil
}
