package parquet

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// fileReader reads rows of type T from one Parquet file.
type fileReader[T any] struct {
	file   *os.File
	reader *parquet.GenericReader[T]
	path   string
}

func newFileReader[T any](path string) (*fileReader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[T](f, parquet.ReadBufferSize(1024*1024))

	return &fileReader[T]{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// read reads up to n rows. It returns io.EOF once the file is exhausted.
func (r *fileReader[T]) read(n int) ([]T, error) {
	rows := make([]T, n)
	count, err := r.reader.Read(rows)
	if count > 0 && err == io.EOF {
		err = nil
	}
	return rows[:count], err
}

// readAll reads every remaining row.
func (r *fileReader[T]) readAll() ([]T, error) {
	var out []T
	for {
		rows, err := r.read(4096)
		out = append(out, rows...)
		if err == io.EOF || (err == nil && len(rows) == 0) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.path, err)
		}
	}
}

// NumRows returns the total number of rows in the file.
func (r *fileReader[T]) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *fileReader[T]) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *fileReader[T]) Path() string {
	return r.path
}

// BucketReader reads archived buckets from a Parquet file.
type BucketReader struct {
	*fileReader[BucketRow]
}

// NewBucketReader opens a bucket file.
func NewBucketReader(path string) (*BucketReader, error) {
	r, err := newFileReader[BucketRow](path)
	if err != nil {
		return nil, err
	}
	return &BucketReader{r}, nil
}

// Read reads up to n objects.
func (r *BucketReader) Read(n int) ([]archival.Object, error) {
	rows, err := r.read(n)
	return rowsToObjects(rows), err
}

// ReadAll reads every remaining object.
func (r *BucketReader) ReadAll() ([]archival.Object, error) {
	rows, err := r.readAll()
	if err != nil {
		return nil, err
	}
	return rowsToObjects(rows), nil
}

func rowsToObjects(rows []BucketRow) []archival.Object {
	objects := make([]archival.Object, len(rows))
	for i := range rows {
		objects[i] = RowToObject(&rows[i])
	}
	return objects
}

// AggregateReader reads aggregates from a Parquet file.
type AggregateReader struct {
	*fileReader[AggregateRow]
}

// NewAggregateReader opens an aggregate file.
func NewAggregateReader(path string) (*AggregateReader, error) {
	r, err := newFileReader[AggregateRow](path)
	if err != nil {
		return nil, err
	}
	return &AggregateReader{r}, nil
}

// ReadAll reads every remaining aggregate.
func (r *AggregateReader) ReadAll() ([]types.AggregateResult, error) {
	rows, err := r.readAll()
	if err != nil {
		return nil, err
	}
	results := make([]types.AggregateResult, len(rows))
	for i := range rows {
		results[i] = RowToAggregate(&rows[i])
	}
	return results, nil
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
	Columns []string
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file %s: %w", path, err)
	}

	info := &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
	}
	for _, field := range pf.Schema().Fields() {
		info.Columns = append(info.Columns, field.Name())
	}
	return info, nil
}
