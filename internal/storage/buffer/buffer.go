// Package buffer provides a bounds-checked byte region addressed by
// position and limit, in the style of a NIO byte buffer.
//
// All multi-byte values are big-endian. A Buffer is not safe for
// concurrent use; owners serialize access and hand out Duplicate views
// to readers.
package buffer

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/tsdb/internal/errors"
)

// Buffer is a byte region with 0 <= position <= limit <= capacity.
type Buffer struct {
	buf      []byte
	position int
	limit    int
	readOnly bool
}

// New allocates a Buffer with the given capacity. The limit starts at capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{buf: make([]byte, capacity), limit: capacity}
}

// Wrap borrows b. Position is 0 and limit is len(b).
func Wrap(b []byte) *Buffer {
	return &Buffer{buf: b, limit: len(b)}
}

// Capacity returns the size of the backing region.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Position returns the current read/write position.
func (b *Buffer) Position() int { return b.position }

// Limit returns the current limit.
func (b *Buffer) Limit() int { return b.limit }

// Remaining returns limit - position.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// HasRemaining reports whether position < limit.
func (b *Buffer) HasRemaining() bool { return b.position < b.limit }

// IsReadOnly reports whether puts are refused.
func (b *Buffer) IsReadOnly() bool { return b.readOnly }

// SetPosition moves the position.
func (b *Buffer) SetPosition(p int) error {
	if p < 0 || p > b.limit {
		return fmt.Errorf("position %d outside [0,%d]: %w", p, b.limit, errors.ErrInvalidArgument)
	}
	b.position = p
	return nil
}

// SetLimit moves the limit, clamping position.
func (b *Buffer) SetLimit(l int) error {
	if l < 0 || l > len(b.buf) {
		return fmt.Errorf("limit %d outside [0,%d]: %w", l, len(b.buf), errors.ErrInvalidArgument)
	}
	b.limit = l
	if b.position > l {
		b.position = l
	}
	return nil
}

// Flip sets limit to position and position to zero.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// Rewind sets position to zero.
func (b *Buffer) Rewind() { b.position = 0 }

// Clear resets position to zero and limit to capacity.
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.buf)
}

// Duplicate returns a view sharing the same bytes with independent
// position and limit.
func (b *Buffer) Duplicate() *Buffer {
	return &Buffer{buf: b.buf, position: b.position, limit: b.limit, readOnly: b.readOnly}
}

// ReadOnlyDuplicate is Duplicate with puts refused.
func (b *Buffer) ReadOnlyDuplicate() *Buffer {
	d := b.Duplicate()
	d.readOnly = true
	return d
}

// Slice returns a view of [position, limit) whose position is zero.
func (b *Buffer) Slice() *Buffer {
	return &Buffer{buf: b.buf[b.position:b.limit:b.limit], limit: b.limit - b.position, readOnly: b.readOnly}
}

// Bytes returns the bytes in [0, position). The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[:b.position] }

// Array returns the whole backing region. The slice aliases the buffer.
func (b *Buffer) Array() []byte { return b.buf }

// =============================================================================
// Growth
// =============================================================================

// Expand returns a new Buffer with at least double the capacity (and at
// least min bytes) holding a copy of [0, position). Position carries over
// and the limit is the new capacity.
func (b *Buffer) Expand(min int) *Buffer {
	newCap := len(b.buf) * 2
	if newCap < min {
		newCap = min
	}
	if newCap == 0 {
		newCap = 1
	}
	nb := &Buffer{buf: make([]byte, newCap), position: b.position, limit: newCap}
	copy(nb.buf, b.buf[:b.position])
	return nb
}

// Reserve guarantees at least n bytes remain, swapping in a doubled copy
// of the backing region when they do not. Views taken earlier keep the
// old region. It reports whether a reallocation happened.
func (b *Buffer) Reserve(n int) (bool, error) {
	if b.readOnly {
		return false, errors.ErrReadOnly
	}
	if b.Remaining() >= n {
		return false, nil
	}
	grown := b.Expand(b.position + n)
	b.buf = grown.buf
	b.limit = grown.limit
	return true, nil
}

// =============================================================================
// Relative access
// =============================================================================

func (b *Buffer) next(n int) (int, error) {
	if b.limit-b.position < n {
		return 0, fmt.Errorf("need %d bytes at %d, limit %d: %w", n, b.position, b.limit, errors.ErrBufferUnderflow)
	}
	p := b.position
	b.position += n
	return p, nil
}

func (b *Buffer) nextPut(n int) (int, error) {
	if b.readOnly {
		return 0, errors.ErrReadOnly
	}
	if b.limit-b.position < n {
		return 0, fmt.Errorf("need %d bytes at %d, limit %d: %w", n, b.position, b.limit, errors.ErrBufferOverflow)
	}
	p := b.position
	b.position += n
	return p, nil
}

// PutByte writes one byte.
func (b *Buffer) PutByte(v byte) error {
	p, err := b.nextPut(1)
	if err != nil {
		return err
	}
	b.buf[p] = v
	return nil
}

// GetByte reads one byte.
func (b *Buffer) GetByte() (byte, error) {
	p, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return b.buf[p], nil
}

// PutShort writes a big-endian int16.
func (b *Buffer) PutShort(v int16) error {
	p, err := b.nextPut(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.buf[p:], uint16(v))
	return nil
}

// GetShort reads a big-endian int16.
func (b *Buffer) GetShort() (int16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b.buf[p:])), nil
}

// PutInt writes a big-endian int32.
func (b *Buffer) PutInt(v int32) error {
	p, err := b.nextPut(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.buf[p:], uint32(v))
	return nil
}

// GetInt reads a big-endian int32.
func (b *Buffer) GetInt() (int32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b.buf[p:])), nil
}

// PutLong writes a big-endian int64.
func (b *Buffer) PutLong(v int64) error {
	p, err := b.nextPut(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.buf[p:], uint64(v))
	return nil
}

// GetLong reads a big-endian int64.
func (b *Buffer) GetLong() (int64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b.buf[p:])), nil
}

// Put copies src at the position.
func (b *Buffer) Put(src []byte) error {
	p, err := b.nextPut(len(src))
	if err != nil {
		return err
	}
	copy(b.buf[p:], src)
	return nil
}

// Get fills dst from the position.
func (b *Buffer) Get(dst []byte) error {
	p, err := b.next(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b.buf[p:p+len(dst)])
	return nil
}

// =============================================================================
// Absolute access
// =============================================================================

func (b *Buffer) check(idx, n int) error {
	if idx < 0 || idx+n > b.limit {
		return fmt.Errorf("index %d+%d outside limit %d: %w", idx, n, b.limit, errors.ErrBufferUnderflow)
	}
	return nil
}

// GetByteAt reads the byte at idx.
func (b *Buffer) GetByteAt(idx int) (byte, error) {
	if err := b.check(idx, 1); err != nil {
		return 0, err
	}
	return b.buf[idx], nil
}

// PutByteAt writes v at idx without moving the position.
func (b *Buffer) PutByteAt(idx int, v byte) error {
	if b.readOnly {
		return errors.ErrReadOnly
	}
	if err := b.check(idx, 1); err != nil {
		return err
	}
	b.buf[idx] = v
	return nil
}

// GetIntAt reads a big-endian int32 at idx.
func (b *Buffer) GetIntAt(idx int) (int32, error) {
	if err := b.check(idx, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b.buf[idx:])), nil
}

// PutIntAt writes a big-endian int32 at idx without moving the position.
func (b *Buffer) PutIntAt(idx int, v int32) error {
	if b.readOnly {
		return errors.ErrReadOnly
	}
	if err := b.check(idx, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.buf[idx:], uint32(v))
	return nil
}

// GetLongAt reads a big-endian int64 at idx.
func (b *Buffer) GetLongAt(idx int) (int64, error) {
	if err := b.check(idx, 8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b.buf[idx:])), nil
}

// PutLongAt writes a big-endian int64 at idx without moving the position.
func (b *Buffer) PutLongAt(idx int, v int64) error {
	if b.readOnly {
		return errors.ErrReadOnly
	}
	if err := b.check(idx, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.buf[idx:], uint64(v))
	return nil
}
