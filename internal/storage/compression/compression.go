// Package compression implements the per-bucket point codecs and the
// static codec registry.
//
// A Writer encodes a non-decreasing stream of (timestamp, value) pairs
// into a growable byte region. Values are int64; floating point values
// are stored as their IEEE-754 bit pattern. A Reader decodes a snapshot
// of a Writer and returns errors.ErrEndOfStream once every record taken
// in the snapshot has been read.
//
// Codecs are registered in a closed table at compile time:
//
//	id  name       layout
//	1   byzantine  byte-aligned delta-of-delta and XOR
//	2   gzip       raw pairs, gzip block on read-only
//	4   gorilla    bit-packed delta-of-delta and XOR
//	5   zstd       raw pairs, zstd block on read-only
package compression

import (
	"fmt"
	"sort"

	"github.com/xtxerr/tsdb/internal/errors"
)

// Registered codec names.
const (
	Byzantine = "byzantine"
	Gzip      = "gzip"
	Gorilla   = "gorilla"
	Zstd      = "zstd"
)

// RawPointSize is the size of one uncompressed (timestamp, value) pair.
const RawPointSize = 16

// Writer encodes points for one bucket.
type Writer interface {
	// SetHeaderTimestamp stores the first raw timestamp. It must be
	// called exactly once before Add.
	SetHeaderTimestamp(ts int64) error

	// Add encodes one point.
	Add(ts int64, value int64) error

	// Reader returns a reader over a consistent snapshot of the points
	// written so far.
	Reader() (Reader, error)

	Count() int
	HeaderTimestamp() int64

	// CompressionRatio is Count*16 divided by the encoded size.
	CompressionRatio() float64

	// Size is the number of encoded bytes in use.
	Size() int

	// Bytes returns a copy of the encoded form accepted by Codec.Open.
	Bytes() ([]byte, error)

	MakeReadOnly() error
	IsReadOnly() bool

	// Codec is the registered codec name.
	Codec() string
}

// Reader is a forward-only decoder. It is not restartable.
type Reader interface {
	// Read returns the next point or errors.ErrEndOfStream.
	Read() (ts int64, value int64, err error)

	// Count is the number of points visible to this reader.
	Count() int
}

// Codec describes one registered encoding.
type Codec struct {
	ID   byte
	Name string

	// New creates an empty writer with the given initial buffer size.
	New func(initialSize int) Writer

	// Open rebuilds a read-only writer from Bytes output.
	Open func(data []byte, count int) (Writer, error)
}

// registry is the closed set of codecs.
var registry = map[string]Codec{
	Byzantine: {ID: 1, Name: Byzantine, New: newByzantineWriter, Open: openByzantine},
	Gzip:      {ID: 2, Name: Gzip, New: newGzipWriter, Open: openGzip},
	Gorilla:   {ID: 4, Name: Gorilla, New: newGorillaWriter, Open: openGorilla},
	Zstd:      {ID: 5, Name: Zstd, New: newZstdWriter, Open: openZstd},
}

var byID = func() map[byte]string {
	m := make(map[byte]string, len(registry))
	for name, c := range registry {
		if _, dup := m[c.ID]; dup {
			panic(fmt.Sprintf("compression: duplicate codec id %d", c.ID))
		}
		m[c.ID] = name
	}
	return m
}()

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	c, ok := registry[name]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %q", errors.ErrUnknownCodec, name)
	}
	return c, nil
}

// LookupID returns the codec registered under id.
func LookupID(id byte) (Codec, error) {
	name, ok := byID[id]
	if !ok {
		return Codec{}, fmt.Errorf("%w: id %d", errors.ErrUnknownCodec, id)
	}
	return registry[name], nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewWriter creates a writer for the named codec.
func NewWriter(name string, initialSize int) (Writer, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.New(initialSize), nil
}

// Open rebuilds a read-only writer for the named codec.
func Open(name string, data []byte, count int) (Writer, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Open(data, count)
}

// Recode decodes every point of src and encodes it into a fresh,
// read-only writer of codec dst.
func Recode(src Writer, dst Codec, initialSize int) (Writer, error) {
	r, err := src.Reader()
	if err != nil {
		return nil, err
	}

	w := dst.New(initialSize)
	if err := w.SetHeaderTimestamp(src.HeaderTimestamp()); err != nil {
		return nil, err
	}
	for {
		ts, v, err := r.Read()
		if errors.IsEndOfStream(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := w.Add(ts, v); err != nil {
			return nil, err
		}
	}
	if err := w.MakeReadOnly(); err != nil {
		return nil, err
	}
	return w, nil
}

func ratio(count, size int) float64 {
	if size == 0 {
		return 0
	}
	return float64(count*RawPointSize) / float64(size)
}

func errHeaderNotSet(codec string) error {
	return fmt.Errorf("%s: header timestamp not set: %w", codec, errors.ErrInvalidArgument)
}

func errHeaderAlreadySet(codec string) error {
	return fmt.Errorf("%s: header timestamp already set: %w", codec, errors.ErrInvalidArgument)
}
