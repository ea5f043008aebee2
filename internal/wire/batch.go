package wire

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// Batch envelope: [1 byte compression][length-delimited Point messages].
// With compression enabled the body is snappy block compressed once it
// passes compressThreshold and compression actually shrinks it.
const (
	batchNone   byte = 0
	batchSnappy byte = 1

	compressThreshold = 512
)

// Point message fields.
const (
	pointDB          protowire.Number = 1
	pointMeasurement protowire.Number = 2
	pointField       protowire.Number = 3
	pointTag         protowire.Number = 4
	pointTimestamp   protowire.Number = 5
	pointInt         protowire.Number = 6
	pointFloat       protowire.Number = 7 // presence marks a float point
)

// EncodePoints encodes points as one WAL record.
func EncodePoints(points []types.Point, compress bool) []byte {
	var body []byte
	var msg []byte
	for i := range points {
		msg = appendPoint(msg[:0], &points[i])
		body = protowire.AppendBytes(body, msg)
	}

	if compress && len(body) >= compressThreshold {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			return append([]byte{batchSnappy}, compressed...)
		}
	}
	return append([]byte{batchNone}, body...)
}

func appendPoint(b []byte, p *types.Point) []byte {
	b = appendString(b, pointDB, p.DB)
	b = appendString(b, pointMeasurement, p.Measurement)
	b = appendString(b, pointField, p.Field)

	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var tag []byte
		tag = appendString(tag, 1, k)
		tag = appendString(tag, 2, p.Tags[k])
		b = protowire.AppendTag(b, pointTag, protowire.BytesType)
		b = protowire.AppendBytes(b, tag)
	}

	b = protowire.AppendTag(b, pointTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.Timestamp))

	if p.FP {
		b = protowire.AppendTag(b, pointFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(p.Value))
	} else if p.Value != 0 {
		b = protowire.AppendTag(b, pointInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.Value))
	}
	return b
}

// DecodePoints decodes a record written by EncodePoints.
func DecodePoints(data []byte) ([]types.Point, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty batch: %w", errors.ErrCorrupt)
	}

	body := data[1:]
	switch data[0] {
	case batchNone:
	case batchSnappy:
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decompress batch: %w: %w", errors.ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("batch compression %d: %w", data[0], errors.ErrCorrupt)
	}

	var points []types.Point
	for len(body) > 0 {
		msg, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return nil, corrupt(n)
		}
		body = body[n:]

		p, err := decodePoint(msg)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", len(points), err)
		}
		points = append(points, p)
	}
	return points, nil
}

func decodePoint(b []byte) (types.Point, error) {
	var p types.Point
	err := decode(b, func(f *field) (err error) {
		switch f.num {
		case pointDB:
			p.DB, err = f.string()
		case pointMeasurement:
			p.Measurement, err = f.string()
		case pointField:
			p.Field, err = f.string()
		case pointTag:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			var k, v string
			err = decode(raw, func(f *field) (err error) {
				switch f.num {
				case 1:
					k, err = f.string()
				case 2:
					v, err = f.string()
				}
				return err
			})
			if err != nil {
				return err
			}
			if p.Tags == nil {
				p.Tags = make(types.Tags)
			}
			p.Tags[k] = v
		case pointTimestamp:
			p.Timestamp, err = f.sint64()
		case pointInt:
			p.Value, err = f.sint64()
			p.FP = false
		case pointFloat:
			var bits uint64
			bits, err = f.fixed64()
			p.Value = int64(bits)
			p.FP = true
		}
		return err
	})
	return p, err
}
