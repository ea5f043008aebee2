package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/archival"
)

var log = logging.Component("parquet")

const (
	filePrefix = "archive-"
	fileSuffix = ".parquet"
)

// Archiver is an archival.Archiver writing one row per bucket. A file
// becomes readable once closed, so Unarchive closes the open file and
// the next Archive starts a new one.
type Archiver struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	writer *BucketWriter
	closed bool
}

var _ archival.Archiver = (*Archiver)(nil)

// NewArchiver creates an archiver writing into dir.
func NewArchiver(dir string, opts Options) (*Archiver, error) {
	if opts.MaxRowsPerFile <= 0 {
		opts.MaxRowsPerFile = DefaultOptions().MaxRowsPerFile
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{dir: dir, opts: opts}, nil
}

// Archive appends one bucket row.
func (a *Archiver) Archive(obj archival.Object) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.ErrClosed
	}

	if a.writer == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("archive file id: %w", err)
		}
		path := filepath.Join(a.dir, filePrefix+id.String()+fileSuffix)
		w, err := NewBucketWriter(path, a.opts)
		if err != nil {
			return err
		}
		a.writer = w
		log.Debug("archive file opened", "path", path, "compression", a.opts.Compression)
	}

	if err := a.writer.Write([]archival.Object{obj}); err != nil {
		return fmt.Errorf("archive %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
	}

	if a.writer.RowCount() >= a.opts.MaxRowsPerFile {
		return a.rollLocked()
	}
	return nil
}

func (a *Archiver) rollLocked() error {
	if a.writer == nil {
		return nil
	}
	err := a.writer.Close()
	a.writer = nil
	return err
}

// Files returns the archive files in write order.
func (a *Archiver) Files() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(a.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Unarchive reads every archived bucket in write order.
func (a *Archiver) Unarchive() ([]archival.Object, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.rollLocked(); err != nil {
		return nil, err
	}

	files, err := a.Files()
	if err != nil {
		return nil, fmt.Errorf("list archive files: %w", err)
	}

	var out []archival.Object
	for _, path := range files {
		objects, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, objects...)
	}
	return out, nil
}

// ReadFile reads every bucket of one archive file.
func ReadFile(path string) ([]archival.Object, error) {
	r, err := NewBucketReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// Close closes the open file.
func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.rollLocked()
}
