// Package wal implements the offset-addressed write-ahead log used for
// replication.
//
// Every record is addressed by its byte offset in the logical log.
// Appending a payload of n bytes at offset o moves the tail to o+8+n, so
// a leader and a follower that append the same payloads in the same
// order agree on every offset. Two cursors are kept: NextOffset, the
// tail, and CommitOffset, the prefix acknowledged by the in-sync
// followers. CommitOffset never exceeds NextOffset.
package wal

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/xtxerr/tsdb/internal/constants"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
)

var log = logging.Component("wal")

// Options configures a WAL.
type Options struct {
	// SegmentSize is the size in bytes at which a segment is rotated.
	// Default: 64MB
	SegmentSize int64

	// SyncMode controls when appends are synced to disk.
	// "async" - fsync every FlushCount appends
	// "sync"  - fsync only when the caller forces it
	// "fsync" - fsync after every append
	SyncMode string

	// FlushCount is the append interval of fsyncs in async mode.
	FlushCount int

	// ISRThreshold is the largest lag in bytes that still counts as in sync.
	ISRThreshold int64

	// DeleteSegments removes segments every follower has read past.
	DeleteSegments bool
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		SegmentSize:  64 * 1024 * 1024,
		SyncMode:     "sync",
		FlushCount:   1000,
		ISRThreshold: 8 * 1024 * 1024,
	}
}

// Stats holds WAL statistics.
type Stats struct {
	SegmentsCreated int64
	SegmentsDeleted int64
	RecordsWritten  int64
	BytesWritten    int64
	RecordsRead     int64
	SyncsPerformed  int64
	Errors          int64
}

// ReadResult is one block of records returned by Read.
type ReadResult struct {
	// Data holds the record payloads in offset order.
	Data [][]byte

	// NextOffset is the offset following the last returned record, or the
	// requested offset when nothing was returned.
	NextOffset int64

	// CommitOffset is the log's commit offset at the time of the read.
	CommitOffset int64
}

// Empty reports whether the read returned no records.
func (r *ReadResult) Empty() bool { return len(r.Data) == 0 }

// WAL is a segmented, offset-addressed log. It is safe for concurrent
// use; appends are serialized.
type WAL struct {
	mu sync.RWMutex

	dir      string
	opts     Options
	segments []*segment // ordered by base offset, last one is active
	next     int64
	commit   int64
	unsynced int
	closed   bool

	fmu       sync.Mutex
	followers map[string]*Follower
	persisted int64
	external  bool // commit only moves through SetCommitOffset

	stats Stats
}

// Open opens or creates the WAL in dir, recovering the tail and the
// persisted commit offset.
func Open(dir string, opts Options) (*WAL, error) {
	defaults := DefaultOptions()
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = defaults.SegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = defaults.SyncMode
	}
	if opts.FlushCount <= 0 {
		opts.FlushCount = defaults.FlushCount
	}
	if opts.ISRThreshold <= 0 {
		opts.ISRThreshold = defaults.ISRThreshold
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &WAL{
		dir:       dir,
		opts:      opts,
		followers: make(map[string]*Follower),
	}

	if err := w.recover(); err != nil {
		w.closeSegments()
		return nil, err
	}

	commit, err := readCommitFile(dir)
	if err != nil {
		w.closeSegments()
		return nil, err
	}
	w.commit = min(commit, w.next)
	w.persisted = w.commit

	log.Debug("wal opened",
		"dir", dir,
		"segments", len(w.segments),
		"next_offset", w.next,
		"commit_offset", w.commit)

	return w, nil
}

func (w *WAL) recover() error {
	infos, err := listSegments(w.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	if len(infos) == 0 {
		s, err := createSegment(w.dir, 0)
		if err != nil {
			return err
		}
		w.segments = []*segment{s}
		w.stats.SegmentsCreated++
		return nil
	}

	for i, info := range infos {
		last := i == len(infos)-1
		s, err := openSegment(info.path, info.base, last)
		if err != nil {
			return fmt.Errorf("recover segment %s: %w", info.path, err)
		}
		if n := len(w.segments); n > 0 && w.segments[n-1].end() != s.base {
			s.close()
			return fmt.Errorf("segment %s starts at %d, previous ends at %d: %w",
				info.path, s.base, w.segments[n-1].end(), errors.ErrCorrupt)
		}
		w.segments = append(w.segments, s)
	}

	w.next = w.active().end()
	return nil
}

func (w *WAL) active() *segment { return w.segments[len(w.segments)-1] }

// Dir returns the WAL directory.
func (w *WAL) Dir() string { return w.dir }

// Write appends payload at the tail. When forceSync is set, or the sync
// mode demands it, the record is on stable storage before Write returns.
func (w *WAL) Write(payload []byte, forceSync bool) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.ErrClosed
	}
	if len(payload) > maxRecordSize {
		return 0, fmt.Errorf("record of %d bytes: %w", len(payload), errors.ErrInvalidArgument)
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if a := w.active(); a.size > 0 && a.size+recordSize > w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return 0, fmt.Errorf("rotate segment: %w", err)
		}
	}

	offset := w.next
	n, err := w.active().append(payload)
	if err != nil {
		w.stats.Errors++
		return 0, fmt.Errorf("append record at %d: %w", offset, err)
	}
	w.next += n
	w.stats.RecordsWritten++
	w.stats.BytesWritten += n

	w.unsynced++
	if forceSync || w.opts.SyncMode == constants.SyncModeFsync ||
		(w.opts.SyncMode == constants.SyncModeAsync && w.unsynced >= w.opts.FlushCount) {
		if err := w.syncLocked(); err != nil {
			w.stats.Errors++
			return 0, fmt.Errorf("sync: %w", err)
		}
	}

	w.fmu.Lock()
	if len(w.followers) == 0 && !w.external {
		w.commit = w.next
	}
	w.fmu.Unlock()

	return offset, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	s, err := createSegment(w.dir, w.next)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, s)
	w.stats.SegmentsCreated++

	log.Debug("segment rotated", "dir", w.dir, "base_offset", s.base)
	return nil
}

// OutOfRangeError reports a read offset that is not a record boundary of
// the log, either past its tail or inside a record. Boundary is the
// largest boundary at or before Offset, where a diverged replica can
// resume after truncating.
type OutOfRangeError struct {
	Offset   int64
	Boundary int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("offset %d is not a record boundary, last boundary before it is %d: %v",
		e.Offset, e.Boundary, errors.ErrOffsetOutOfRange)
}

func (e *OutOfRangeError) Unwrap() error { return errors.ErrOffsetOutOfRange }

// Read returns the records starting at offset, up to maxBytes of record
// data. At least one record is returned when one is available, so a
// fetch always makes progress. With committedOnly set the block ends at
// the commit offset. An offset at the end, or at or past the commit
// offset when committedOnly is set, yields an empty result with
// NextOffset equal to offset. An offset past the tail or inside a record
// fails with an *OutOfRangeError.
//
// A non-empty nodeID records offset as that follower's acknowledged
// position. Reads never change the returned data.
func (w *WAL) Read(nodeID string, offset int64, maxBytes int, committedOnly bool) (*ReadResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return nil, errors.ErrClosed
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset %d: %w", offset, errors.ErrInvalidArgument)
	}
	if first := w.segments[0].base; offset < first {
		return nil, fmt.Errorf("offset %d precedes the first segment at %d: %w",
			offset, first, errors.ErrInvalidArgument)
	}
	if err := w.checkBoundary(nodeID, offset); err != nil {
		return nil, err
	}

	if nodeID != "" {
		w.trackFollower(nodeID, offset)
	}

	w.fmu.Lock()
	commit := w.commit
	w.fmu.Unlock()

	result := &ReadResult{NextOffset: offset, CommitOffset: commit}

	limit := w.next
	if committedOnly {
		limit = commit
	}
	if offset >= limit {
		return result, nil
	}

	pos := offset
	total := 0
	for pos < limit {
		s := w.segmentFor(pos)
		rel := pos - s.base

		n, err := s.recordSize(rel, s.size)
		if err != nil {
			return nil, fmt.Errorf("read at %d: %w", pos, err)
		}
		if pos+n > limit {
			break
		}
		if len(result.Data) > 0 && total+int(n) > maxBytes {
			break
		}

		payload, err := s.readRecord(rel)
		if err != nil {
			return nil, fmt.Errorf("read at %d: %w", pos, err)
		}

		result.Data = append(result.Data, payload)
		total += int(n)
		pos += n
	}

	result.NextOffset = pos
	w.fmu.Lock()
	w.stats.RecordsRead += int64(len(result.Data))
	if f, ok := w.followers[nodeID]; ok {
		f.served = pos
	}
	w.fmu.Unlock()

	return result, nil
}

// checkBoundary fails with an *OutOfRangeError unless offset starts a
// record or equals the tail. Offsets this log handed out before are
// accepted without scanning. The caller holds mu.
func (w *WAL) checkBoundary(nodeID string, offset int64) error {
	if offset == w.next {
		return nil
	}
	if offset > w.next {
		return &OutOfRangeError{Offset: offset, Boundary: w.next}
	}

	s := w.segmentFor(offset)
	if offset == s.base {
		return nil
	}

	w.fmu.Lock()
	f, ok := w.followers[nodeID]
	known := ok && (f.Offset == offset || f.served == offset)
	w.fmu.Unlock()
	if known {
		return nil
	}

	b, err := w.boundaryLocked(offset)
	if err != nil {
		return err
	}
	if b != offset {
		return &OutOfRangeError{Offset: offset, Boundary: b}
	}
	return nil
}

// boundaryLocked returns the largest record boundary at or before pos by
// walking the record headers of the segment holding it. The caller holds
// mu and guarantees segments[0].base <= pos.
func (w *WAL) boundaryLocked(pos int64) (int64, error) {
	if pos >= w.next {
		return w.next, nil
	}
	s := w.segmentFor(pos)
	rel := pos - s.base

	var at int64
	for at < rel {
		n, err := s.recordSize(at, s.size)
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", s.path, err)
		}
		if at+n > rel {
			break
		}
		at += n
	}
	return s.base + at, nil
}

// Boundary returns the largest record boundary at or before offset.
func (w *WAL) Boundary(offset int64) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return 0, errors.ErrClosed
	}
	if first := w.segments[0].base; offset < first {
		return 0, fmt.Errorf("offset %d precedes the first segment at %d: %w",
			offset, first, errors.ErrInvalidArgument)
	}
	return w.boundaryLocked(offset)
}

// TruncateTo drops every record at or after offset, which must be a
// record boundary. The commit offset and follower positions are clamped
// to the new tail.
func (w *WAL) TruncateTo(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}
	if offset == w.next {
		return nil
	}
	if offset > w.next || offset < w.segments[0].base {
		return fmt.Errorf("truncate to %d outside [%d, %d]: %w",
			offset, w.segments[0].base, w.next, errors.ErrInvalidArgument)
	}
	b, err := w.boundaryLocked(offset)
	if err != nil {
		return err
	}
	if b != offset {
		return fmt.Errorf("truncate to %d inside the record at %d: %w", offset, b, errors.ErrInvalidArgument)
	}

	n := len(w.segments)
	for n > 1 && w.segments[n-1].base > offset {
		s := w.segments[n-1]
		if err := s.close(); err != nil {
			return fmt.Errorf("close segment %s: %w", s.path, err)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("delete segment %s: %w", s.path, err)
		}
		w.stats.SegmentsDeleted++
		n--
	}
	w.segments = w.segments[:n]

	s := w.active()
	if err := s.file.Truncate(headerSize + offset - s.base); err != nil {
		w.stats.Errors++
		return fmt.Errorf("truncate segment %s: %w", s.path, err)
	}
	s.size = offset - s.base
	if err := w.syncLocked(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	dropped := w.next - offset
	w.next = offset

	w.fmu.Lock()
	w.commit = min(w.commit, offset)
	for _, f := range w.followers {
		f.Offset = min(f.Offset, offset)
		f.served = min(f.served, offset)
	}
	w.fmu.Unlock()

	log.Warn("wal truncated",
		"dir", w.dir,
		"next_offset", offset,
		"dropped_bytes", dropped)

	return w.persistCommit()
}

// segmentFor returns the segment holding pos. The caller holds mu and
// guarantees segments[0].base <= pos <= next.
func (w *WAL) segmentFor(pos int64) *segment {
	i := sort.Search(len(w.segments), func(i int) bool {
		return w.segments[i].base > pos
	})
	return w.segments[i-1]
}

// NextOffset returns the offset the next record will be written at.
func (w *WAL) NextOffset() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.next
}

// CommitOffset returns the committed prefix of the log.
func (w *WAL) CommitOffset() int64 {
	w.fmu.Lock()
	defer w.fmu.Unlock()
	return w.commit
}

// SetCommitOffset adopts a commit offset reported by a leader. The value
// is clamped to the local tail and never moves the commit backwards.
func (w *WAL) SetCommitOffset(offset int64) {
	w.mu.RLock()
	next := w.next
	w.mu.RUnlock()

	w.fmu.Lock()
	defer w.fmu.Unlock()
	if offset > next {
		offset = next
	}
	if offset > w.commit {
		w.commit = offset
	}
}

// SetExternalCommit controls whether appends without followers commit
// immediately. A replica copying a leader enables it, so its commit offset
// only follows what the leader reports.
func (w *WAL) SetExternalCommit(external bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.fmu.Lock()
	defer w.fmu.Unlock()

	w.external = external
	if !external && len(w.followers) == 0 {
		w.commit = w.next
	}
}

// Sync flushes written records to stable storage and persists the commit
// offset.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.persistCommit()
}

func (w *WAL) syncLocked() error {
	if err := w.active().file.Sync(); err != nil {
		return err
	}
	w.unsynced = 0
	w.stats.SyncsPerformed++
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.fmu.Lock()
	defer w.fmu.Unlock()
	return w.stats
}

// Segments returns the paths of the retained segments in offset order.
func (w *WAL) Segments() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, len(w.segments))
	for i, s := range w.segments {
		paths[i] = s.path
	}
	return paths
}

// Close syncs and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	var errs []error
	if err := w.syncLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := w.persistCommit(); err != nil {
		errs = append(errs, err)
	}
	if err := w.closeSegments(); err != nil {
		errs = append(errs, err)
	}
	w.closed = true

	return errors.Join(errs...)
}

func (w *WAL) closeSegments() error {
	var errs []error
	for _, s := range w.segments {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
