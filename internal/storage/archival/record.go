package archival

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf16"

	"github.com/xtxerr/tsdb/internal/errors"
)

// maxUTFLength is the largest encoded string a two byte length can carry.
const maxUTFLength = math.MaxUint16

// WriteRecord writes one archive record.
func WriteRecord(w io.Writer, obj Object) error {
	if len(obj.Bucket.Data) > math.MaxInt32 {
		return fmt.Errorf("bucket of %d bytes: %w", len(obj.Bucket.Data), errors.ErrInvalidArgument)
	}

	for _, s := range []string{obj.DB, obj.Measurement, obj.Key} {
		if err := writeUTF(w, s); err != nil {
			return err
		}
	}

	var fixed [16]byte
	binary.BigEndian.PutUint64(fixed[0:8], uint64(obj.Bucket.HeaderTimestamp))
	binary.BigEndian.PutUint32(fixed[8:12], uint32(obj.Bucket.Count))
	binary.BigEndian.PutUint32(fixed[12:16], uint32(len(obj.Bucket.Data)))
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}

	_, err := w.Write(obj.Bucket.Data)
	return err
}

// ReadRecord reads one archive record. It returns io.EOF when r is
// exhausted at a record boundary and ErrCorrupt for a truncated record.
func ReadRecord(r io.Reader) (Object, error) {
	var obj Object

	db, err := readUTF(r)
	if err != nil {
		if err == io.EOF {
			return obj, io.EOF
		}
		return obj, err
	}
	obj.DB = db

	if obj.Measurement, err = readUTF(r); err != nil {
		return obj, truncated(err)
	}
	if obj.Key, err = readUTF(r); err != nil {
		return obj, truncated(err)
	}

	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return obj, truncated(err)
	}
	obj.Bucket.HeaderTimestamp = int64(binary.BigEndian.Uint64(fixed[0:8]))
	obj.Bucket.Count = int32(binary.BigEndian.Uint32(fixed[8:12]))

	length := int32(binary.BigEndian.Uint32(fixed[12:16]))
	if length < 0 {
		return obj, fmt.Errorf("negative bucket length %d: %w", length, errors.ErrCorrupt)
	}

	obj.Bucket.Data = make([]byte, length)
	if _, err := io.ReadFull(r, obj.Bucket.Data); err != nil {
		return obj, truncated(err)
	}
	return obj, nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("truncated record: %w", errors.ErrCorrupt)
	}
	return err
}

func writeUTF(w io.Writer, s string) error {
	encoded := encodeModifiedUTF8(s)
	if len(encoded) > maxUTFLength {
		return fmt.Errorf("string of %d encoded bytes exceeds %d: %w",
			len(encoded), maxUTFLength, errors.ErrInvalidArgument)
	}

	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(encoded)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(encoded)
	return err
}

func readUTF(r io.Reader) (string, error) {
	var length [2]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", fmt.Errorf("truncated string length: %w", errors.ErrCorrupt)
		}
		return "", err
	}

	encoded := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(r, encoded); err != nil {
		return "", truncated(err)
	}
	return decodeModifiedUTF8(encoded)
}

// encodeModifiedUTF8 encodes s the way java.io.DataOutput does: NUL takes
// two bytes and supplementary characters are written as two three byte
// surrogates.
func encodeModifiedUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			out = appendUnit(out, uint16(hi))
			out = appendUnit(out, uint16(lo))
			continue
		}
		out = appendUnit(out, uint16(r))
	}
	return out
}

func appendUnit(out []byte, c uint16) []byte {
	switch {
	case c != 0 && c < 0x80:
		return append(out, byte(c))
	case c < 0x800:
		return append(out, byte(0xC0|c>>6), byte(0x80|c&0x3F))
	default:
		return append(out, byte(0xE0|c>>12), byte(0x80|(c>>6)&0x3F), byte(0x80|c&0x3F))
	}
}

func decodeModifiedUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return "", fmt.Errorf("malformed UTF at byte %d: %w", i, errors.ErrCorrupt)
			}
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return "", fmt.Errorf("malformed UTF at byte %d: %w", i, errors.ErrCorrupt)
			}
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("malformed UTF at byte %d: %w", i, errors.ErrCorrupt)
		}
	}
	return string(utf16.Decode(units)), nil
}
