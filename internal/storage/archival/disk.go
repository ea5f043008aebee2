package archival

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/xtxerr/tsdb/internal/errors"
)

const (
	filePrefix = "archive-"
	fileSuffix = ".bin"
)

// DiskArchiver appends records to files in a directory, starting a new
// file once the current one reaches the size limit. File names carry a
// time-ordered UUID so name order is write order.
type DiskArchiver struct {
	mu          sync.Mutex
	dir         string
	maxFileSize int64

	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
}

// NewDiskArchiver creates an archiver writing into dir.
func NewDiskArchiver(dir string, maxFileSize int64) (*DiskArchiver, error) {
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("max file size must be positive: %w", errors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DiskArchiver{dir: dir, maxFileSize: maxFileSize}, nil
}

// Archive appends one record.
func (a *DiskArchiver) Archive(obj Object) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.ErrClosed
	}

	if a.file == nil {
		if err := a.openLocked(); err != nil {
			return err
		}
	}

	cw := &countingWriter{w: a.writer}
	if err := WriteRecord(cw, obj); err != nil {
		return fmt.Errorf("archive %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
	}
	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	a.size += cw.n

	if a.size >= a.maxFileSize {
		return a.rollLocked()
	}
	return nil
}

func (a *DiskArchiver) openLocked() error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("archive file id: %w", err)
	}
	path := filepath.Join(a.dir, filePrefix+id.String()+fileSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	a.file = f
	a.writer = bufio.NewWriter(f)
	a.size = 0
	log.Debug("archive file opened", "path", path)
	return nil
}

func (a *DiskArchiver) rollLocked() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.writer = nil
	if err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}

// Files returns the archive files in write order.
func (a *DiskArchiver) Files() ([]string, error) {
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

// Unarchive reads every record of every archive file.
func (a *DiskArchiver) Unarchive() ([]Object, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer != nil {
		if err := a.writer.Flush(); err != nil {
			return nil, fmt.Errorf("flush archive: %w", err)
		}
	}

	files, err := a.Files()
	if err != nil {
		return nil, fmt.Errorf("list archive files: %w", err)
	}

	var objects []Object
	for _, path := range files {
		objs, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		objects = append(objects, objs...)
	}
	return objects, nil
}

// ReadFile reads every record of one archive file.
func ReadFile(path string) ([]Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var objects []Object
	for {
		obj, err := ReadRecord(r)
		if err == io.EOF {
			return objects, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s record %d: %w", path, len(objects), err)
		}
		objects = append(objects, obj)
	}
}

// Close closes the current archive file.
func (a *DiskArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.writer != nil {
		if err := a.writer.Flush(); err != nil {
			return err
		}
	}
	return a.rollLocked()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
