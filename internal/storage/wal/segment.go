package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/xtxerr/tsdb/internal/errors"
)

// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload], little-endian
//
// A segment is named after the offset of its first record, so the file
// position of a record at offset o is headerSize + (o - base).
const (
	walMagic         = 0x5453444257414C01 // "TSDBWAL" + version 1
	walVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8

	// maxRecordSize bounds a single payload when scanning.
	maxRecordSize = 100 * 1024 * 1024

	segmentSuffix = ".wal"
)

type segment struct {
	base int64
	path string
	file *os.File
	size int64 // record bytes, header excluded
}

func (s *segment) end() int64 { return s.base + s.size }

func segmentName(base int64) string {
	return fmt.Sprintf("%020d%s", base, segmentSuffix)
}

// createSegment creates an empty segment starting at base.
func createSegment(dir string, base int64) (*segment, error) {
	path := filepath.Join(dir, segmentName(base))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &segment{base: base, path: path, file: f}, nil
}

// openSegment opens an existing segment and scans its records. A torn or
// corrupt tail is truncated when truncate is set and reported as
// ErrCorrupt otherwise.
func openSegment(path string, base int64, truncate bool) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header of %s: %w", path, errors.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic %x in %s: %w", magic, path, errors.ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version %d in %s: %w", version, path, errors.ErrCorrupt)
	}

	s := &segment{base: base, path: path, file: f}

	valid, err := s.scan()
	if err != nil {
		if !truncate {
			f.Close()
			return nil, err
		}
		log.Warn("truncating torn segment tail",
			"segment", path,
			"valid_bytes", valid,
			"error", err)
		if err := f.Truncate(headerSize + valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate segment: %w", err)
		}
	}
	s.size = valid

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek segment end: %w", err)
	}
	return s, nil
}

// scan walks every record and returns the number of valid record bytes.
func (s *segment) scan() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	limit := info.Size() - headerSize

	var pos int64
	for pos < limit {
		n, err := s.recordSize(pos, limit)
		if err != nil {
			return pos, err
		}
		if _, err := s.readRecord(pos); err != nil {
			return pos, err
		}
		pos += n
	}
	return pos, nil
}

// recordSize returns the full size of the record at rel without reading
// its payload.
func (s *segment) recordSize(rel, limit int64) (int64, error) {
	if rel+recordHeaderSize > limit {
		return 0, fmt.Errorf("torn record header at %d: %w", s.base+rel, errors.ErrCorrupt)
	}
	var header [recordHeaderSize]byte
	if _, err := s.file.ReadAt(header[:], headerSize+rel); err != nil {
		return 0, fmt.Errorf("read record header: %w", err)
	}
	length := int64(binary.LittleEndian.Uint32(header[0:4]))
	if length > maxRecordSize || rel+recordHeaderSize+length > limit {
		return 0, fmt.Errorf("torn record at %d: %w", s.base+rel, errors.ErrCorrupt)
	}
	return recordHeaderSize + length, nil
}

// readRecord reads and verifies the record at rel.
func (s *segment) readRecord(rel int64) ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := s.file.ReadAt(header[:], headerSize+rel); err != nil {
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record at %d too large: %d bytes: %w", s.base+rel, length, errors.ErrCorrupt)
	}

	payload := make([]byte, length)
	if _, err := s.file.ReadAt(payload, headerSize+rel+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("read payload at %d: %w", s.base+rel, err)
	}

	if actualCRC := crc32.ChecksumIEEE(payload); actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch at %d: expected %x, got %x: %w",
			s.base+rel, expectedCRC, actualCRC, errors.ErrCorrupt)
	}
	return payload, nil
}

// append writes one record at the end of the segment.
func (s *segment) append(payload []byte) (int64, error) {
	record := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(payload))
	copy(record[recordHeaderSize:], payload)

	if _, err := s.file.WriteAt(record, headerSize+s.size); err != nil {
		return 0, err
	}
	s.size += int64(len(record))
	return int64(len(record)), nil
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// listSegments returns the base offsets and paths of every segment file
// in dir, in offset order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20+len(segmentSuffix) || name[20:] != segmentSuffix {
			continue
		}

		var base int64
		if _, err := fmt.Sscanf(name, "%020d.wal", &base); err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			base: base,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].base < segments[j].base
	})

	return segments, nil
}

type segmentInfo struct {
	path string
	base int64
}
