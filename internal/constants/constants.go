// Package constants holds the string values shared between configuration,
// storage and the daemon.
package constants

import "slices"

// =============================================================================
// WAL Sync Mode
// =============================================================================

const (
	// SyncModeAsync fsyncs every FlushCount appends.
	SyncModeAsync = "async"

	// SyncModeSync writes through to the OS on every append.
	SyncModeSync = "sync"

	// SyncModeFsync fsyncs after every append.
	SyncModeFsync = "fsync"
)

// ValidSyncModes contains all valid WAL sync modes
var ValidSyncModes = []string{SyncModeAsync, SyncModeSync, SyncModeFsync}

// IsValidSyncMode checks if a sync mode is valid
func IsValidSyncMode(mode string) bool {
	return slices.Contains(ValidSyncModes, mode)
}

// =============================================================================
// Archive Type
// =============================================================================

const (
	// ArchiveTypeDisk appends framed bucket records to rolling files.
	ArchiveTypeDisk = "disk"

	// ArchiveTypeParquet writes bucket rows into parquet files.
	ArchiveTypeParquet = "parquet"
)

// ValidArchiveTypes contains all valid archive types
var ValidArchiveTypes = []string{ArchiveTypeDisk, ArchiveTypeParquet}

// IsValidArchiveType checks if an archive type is valid
func IsValidArchiveType(t string) bool {
	return slices.Contains(ValidArchiveTypes, t)
}

// =============================================================================
// Compression
// =============================================================================

const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionGzip   = "gzip"
)

// ValidPayloadCompressions lists the codecs for replicated batches.
// Empty means none.
var ValidPayloadCompressions = []string{"", CompressionNone, CompressionSnappy}

// ValidParquetCompressions lists the parquet page codecs. Empty means the
// writer default.
var ValidParquetCompressions = []string{"", CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip}

// IsValidPayloadCompression checks if a payload compression is valid
func IsValidPayloadCompression(c string) bool {
	return slices.Contains(ValidPayloadCompressions, c)
}

// IsValidParquetCompression checks if a parquet compression is valid
func IsValidParquetCompression(c string) bool {
	return slices.Contains(ValidParquetCompressions, c)
}
