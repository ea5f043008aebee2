package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// Options configures the Parquet writers.
type Options struct {
	// Compression is the page codec.
	Compression CompressionType

	// MaxRowsPerFile rolls the archiver to a new file.
	MaxRowsPerFile int64
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		MaxRowsPerFile: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	case "none", "":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("parquet compression %q: %w", s, errors.ErrUnknownCodec)
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BucketRow is one archived bucket in Parquet format. Data keeps the
// serialized bucket including its codec prefix; Codec repeats the codec
// name for readers that only scan metadata.
type BucketRow struct {
	DB          string `parquet:"db,dict"`
	Measurement string `parquet:"measurement,dict"`
	SeriesKey   string `parquet:"series_key"`
	HeaderTs    int64  `parquet:"header_ts"`
	Count       int32  `parquet:"count"`
	Codec       string `parquet:"codec,dict"`
	Data        []byte `parquet:"data"`
}

// AggregateRow is one downsampled window in Parquet format.
type AggregateRow struct {
	DB          string  `parquet:"db,dict"`
	Measurement string  `parquet:"measurement,dict"`
	Field       string  `parquet:"field,dict"`
	Tags        string  `parquet:"tags"`
	BucketStart int64   `parquet:"bucket_start"`
	BucketEnd   int64   `parquet:"bucket_end"`
	Count       int64   `parquet:"count"`
	Sum         float64 `parquet:"sum"`
	Min         float64 `parquet:"min"`
	Max         float64 `parquet:"max"`
	Avg         float64 `parquet:"avg"`
	P50         float64 `parquet:"p50,optional"`
	P90         float64 `parquet:"p90,optional"`
	P95         float64 `parquet:"p95,optional"`
	P99         float64 `parquet:"p99,optional"`
	FirstTs     int64   `parquet:"first_ts"`
	LastTs      int64   `parquet:"last_ts"`
}

// ObjectToRow converts an archived object to a BucketRow.
func ObjectToRow(obj *archival.Object) BucketRow {
	row := BucketRow{
		DB:          obj.DB,
		Measurement: obj.Measurement,
		SeriesKey:   obj.Key,
		HeaderTs:    obj.Bucket.HeaderTimestamp,
		Count:       obj.Bucket.Count,
		Data:        obj.Bucket.Data,
	}
	if len(obj.Bucket.Data) > 0 {
		if codec, err := compression.LookupID(obj.Bucket.Data[0]); err == nil {
			row.Codec = codec.Name
		}
	}
	return row
}

// RowToObject converts a BucketRow to an archived object.
func RowToObject(r *BucketRow) archival.Object {
	return archival.Object{
		DB:          r.DB,
		Measurement: r.Measurement,
		Key:         r.SeriesKey,
		Bucket: archival.Bucket{
			HeaderTimestamp: r.HeaderTs,
			Count:           r.Count,
			Data:            r.Data,
		},
	}
}

// AggregateToRow converts an AggregateResult to an AggregateRow.
func AggregateToRow(a *types.AggregateResult) AggregateRow {
	row := AggregateRow{
		DB:          a.DB,
		Measurement: a.Measurement,
		Field:       a.Field,
		Tags:        a.Tags.Key(),
		BucketStart: a.BucketStart,
		BucketEnd:   a.BucketEnd,
		Count:       a.Count,
		Sum:         a.Sum,
		Min:         a.Min,
		Max:         a.Max,
		Avg:         a.Avg,
		FirstTs:     a.FirstTs,
		LastTs:      a.LastTs,
	}

	if a.HasPercentiles() {
		row.P50 = *a.P50
		row.P90 = *a.P90
		row.P95 = *a.P95
		row.P99 = *a.P99
	}

	return row
}

// RowToAggregate converts an AggregateRow to an AggregateResult.
func RowToAggregate(r *AggregateRow) types.AggregateResult {
	result := types.AggregateResult{
		DB:          r.DB,
		Measurement: r.Measurement,
		Field:       r.Field,
		Tags:        types.ParseTags(r.Tags),
		BucketStart: r.BucketStart,
		BucketEnd:   r.BucketEnd,
		Count:       r.Count,
		Sum:         r.Sum,
		Min:         r.Min,
		Max:         r.Max,
		Avg:         r.Avg,
		FirstTs:     r.FirstTs,
		LastTs:      r.LastTs,
	}

	if r.P50 != 0 || r.P90 != 0 || r.P95 != 0 || r.P99 != 0 {
		result.SetPercentiles(r.P50, r.P90, r.P95, r.P99)
	}

	return result
}

// fileWriter writes rows of type T to one Parquet file.
type fileWriter[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

func newFileWriter[T any](path string, opts Options) (*fileWriter[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &fileWriter[T]{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

func (w *fileWriter[T]) write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *fileWriter[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *fileWriter[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *fileWriter[T]) Path() string {
	return w.path
}

// BucketWriter writes archived buckets to a Parquet file.
type BucketWriter struct {
	*fileWriter[BucketRow]
}

// NewBucketWriter creates a bucket writer. The file must not exist.
func NewBucketWriter(path string, opts Options) (*BucketWriter, error) {
	w, err := newFileWriter[BucketRow](path, opts)
	if err != nil {
		return nil, err
	}
	return &BucketWriter{w}, nil
}

// Write writes archived objects.
func (w *BucketWriter) Write(objects []archival.Object) error {
	rows := make([]BucketRow, len(objects))
	for i := range objects {
		rows[i] = ObjectToRow(&objects[i])
	}
	return w.write(rows)
}

// AggregateWriter writes aggregates to a Parquet file.
type AggregateWriter struct {
	*fileWriter[AggregateRow]
}

// NewAggregateWriter creates an aggregate writer. The file must not exist.
func NewAggregateWriter(path string, opts Options) (*AggregateWriter, error) {
	w, err := newFileWriter[AggregateRow](path, opts)
	if err != nil {
		return nil, err
	}
	return &AggregateWriter{w}, nil
}

// Write writes aggregates.
func (w *AggregateWriter) Write(aggregates []types.AggregateResult) error {
	rows := make([]AggregateRow, len(aggregates))
	for i := range aggregates {
		rows[i] = AggregateToRow(&aggregates[i])
	}
	return w.write(rows)
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed: %w", errors.ErrClosed)
