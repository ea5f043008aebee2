package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/buffer"
)

// blockCodec compresses a whole bucket at once. While active the bucket
// holds raw 16 byte pairs after an 8 byte header; MakeReadOnly replaces
// them with the compressed block.
type blockCodec struct {
	name       string
	compress   func(src []byte) ([]byte, error)
	decompress func(src []byte) ([]byte, error)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

var zstdBlock = blockCodec{
	name: Zstd,
	compress: func(src []byte) ([]byte, error) {
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
	},
	decompress: func(src []byte) ([]byte, error) {
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(src, nil)
	},
}

var gzipBlock = blockCodec{
	name: Gzip,
	compress: func(src []byte) ([]byte, error) {
		var out bytes.Buffer
		zw, err := gzip.NewWriterLevel(&out, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(src); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	},
	decompress: func(src []byte) ([]byte, error) {
		zr, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	},
}

func newZstdWriter(initialSize int) Writer { return newBlockWriter(zstdBlock, initialSize) }
func newGzipWriter(initialSize int) Writer { return newBlockWriter(gzipBlock, initialSize) }

func openZstd(data []byte, count int) (Writer, error) { return openBlock(zstdBlock, data, count) }
func openGzip(data []byte, count int) (Writer, error) { return openBlock(gzipBlock, data, count) }

type blockWriter struct {
	mu    sync.RWMutex
	codec blockCodec

	raw        *buffer.Buffer
	compressed []byte

	header    int64
	headerSet bool
	count     int
	readOnly  bool
}

func newBlockWriter(codec blockCodec, initialSize int) *blockWriter {
	if initialSize < 1 {
		initialSize = 1
	}
	return &blockWriter{codec: codec, raw: buffer.New(initialSize)}
}

func openBlock(codec blockCodec, data []byte, count int) (Writer, error) {
	compressed := make([]byte, len(data))
	copy(compressed, data)

	raw, err := codec.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: decompress block: %w", codec.name, err)
	}
	if len(raw) != 8+count*RawPointSize {
		return nil, fmt.Errorf("%s: block holds %d bytes, want %d: %w",
			codec.name, len(raw), 8+count*RawPointSize, errors.ErrCorrupt)
	}
	header, _ := buffer.Wrap(raw).GetLong()

	return &blockWriter{
		codec:      codec,
		compressed: compressed,
		header:     header,
		headerSet:  true,
		count:      count,
		readOnly:   true,
	}, nil
}

func (w *blockWriter) SetHeaderTimestamp(ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerSet {
		return errHeaderAlreadySet(w.codec.name)
	}
	if _, err := w.raw.Reserve(8); err != nil {
		return err
	}
	if err := w.raw.PutLong(ts); err != nil {
		return err
	}
	w.header = ts
	w.headerSet = true
	return nil
}

func (w *blockWriter) Add(ts int64, value int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return errors.ErrReadOnly
	}
	if !w.headerSet {
		return errHeaderNotSet(w.codec.name)
	}
	if _, err := w.raw.Reserve(RawPointSize); err != nil {
		return err
	}
	if err := w.raw.PutLong(ts); err != nil {
		return err
	}
	if err := w.raw.PutLong(value); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *blockWriter) Reader() (Reader, error) {
	w.mu.RLock()
	count := w.count
	readOnly := w.readOnly
	compressed := w.compressed
	var view *buffer.Buffer
	if !readOnly {
		view = w.raw.ReadOnlyDuplicate()
	}
	w.mu.RUnlock()

	if readOnly {
		raw, err := w.codec.decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("%s: decompress block: %w", w.codec.name, err)
		}
		view = buffer.Wrap(raw)
	} else {
		view.Flip()
	}

	if count > 0 {
		if _, err := view.GetLong(); err != nil {
			return nil, err
		}
	}
	return &blockReader{buf: view, count: count}, nil
}

func (w *blockWriter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

func (w *blockWriter) HeaderTimestamp() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.header
}

func (w *blockWriter) CompressionRatio() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ratio(w.count, w.sizeLocked())
}

func (w *blockWriter) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sizeLocked()
}

func (w *blockWriter) sizeLocked() int {
	if w.readOnly {
		return len(w.compressed)
	}
	return w.raw.Position()
}

// Bytes always returns the compressed block, compressing on the fly for
// an active bucket.
func (w *blockWriter) Bytes() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.readOnly {
		out := make([]byte, len(w.compressed))
		copy(out, w.compressed)
		return out, nil
	}
	return w.codec.compress(w.raw.Bytes())
}

func (w *blockWriter) MakeReadOnly() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readOnly {
		return nil
	}
	compressed, err := w.codec.compress(w.raw.Bytes())
	if err != nil {
		return fmt.Errorf("%s: compress block: %w", w.codec.name, err)
	}
	w.compressed = compressed
	w.raw = nil
	w.readOnly = true
	return nil
}

func (w *blockWriter) IsReadOnly() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.readOnly
}

func (w *blockWriter) Codec() string { return w.codec.name }

type blockReader struct {
	buf     *buffer.Buffer
	count   int
	counter int
}

func (r *blockReader) Count() int { return r.count }

func (r *blockReader) Read() (int64, int64, error) {
	if r.counter >= r.count {
		return 0, 0, errors.ErrEndOfStream
	}
	ts, err := r.buf.GetLong()
	if err != nil {
		return 0, 0, err
	}
	v, err := r.buf.GetLong()
	if err != nil {
		return 0, 0, err
	}
	r.counter++
	return ts, v, nil
}
