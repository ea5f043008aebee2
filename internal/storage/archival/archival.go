// Package archival moves read-only buckets to and from long-term storage.
//
// Every archiver shares one record layout, written big-endian:
//
//	UTF db, UTF measurement, UTF key, int64 headerTs, int32 count, int32 len, bytes[len]
//
// where UTF is a two byte length followed by modified UTF-8.
package archival

import (
	"github.com/xtxerr/tsdb/internal/logging"
)

var log = logging.Component("archival")

// Bucket is the archived form of one read-only bucket.
type Bucket struct {
	HeaderTimestamp int64
	Count           int32

	// Data is the serialized bucket: codec id, flags, encoded points.
	Data []byte
}

// Object is one archived bucket together with its series identity.
type Object struct {
	DB          string
	Measurement string

	// Key identifies the series within the measurement.
	Key string

	Bucket Bucket
}

// Archiver stores and retrieves archived buckets.
type Archiver interface {
	Archive(obj Object) error
	Unarchive() ([]Object, error)
	Close() error
}
