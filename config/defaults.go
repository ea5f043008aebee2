// Package config provides configuration defaults for tsdb.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default replication RPC listen address.
	// Override via config: cluster.listen
	DefaultListenAddress = "0.0.0.0:9928"

	// DefaultMaxMessageSize limits RPC message size to prevent OOM.
	// It must stay above DefaultMaxFetchBytes plus framing.
	// Override via config: cluster.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultRPCTimeout bounds every replication call. A timed out fetch
	// is retried from the last applied offset.
	// Override via config: cluster.rpc_timeout
	DefaultRPCTimeout = 30 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultBucketWidth is the time window covered by one bucket.
	// Override via config: storage.bucket_width
	DefaultBucketWidth = time.Hour

	// MaxBucketWidth keeps every delta-of-delta inside 32 bits.
	MaxBucketWidth = (1 << 30) * time.Millisecond

	// DefaultCodec is the value codec used for active buckets.
	// Override via config: storage.codec
	DefaultCodec = "byzantine"

	// DefaultCompactionCodec is the codec read-only buckets are rewritten into.
	// Override via config: storage.compaction_codec
	DefaultCompactionCodec = "zstd"

	// DefaultInitialBufferSize is the first allocation of a bucket buffer.
	// Buffers double on demand.
	// Override via config: storage.initial_buffer_size
	DefaultInitialBufferSize = 1024

	// DefaultCompactionInterval is how often read-only buckets are recompressed.
	// Override via config: storage.compaction_interval
	DefaultCompactionInterval = 5 * time.Minute

	// DefaultRetentionInterval is how often expired buckets are dropped.
	// Override via config: storage.retention_interval
	DefaultRetentionInterval = time.Minute

	// DefaultCompactionWorkers is the number of parallel compaction workers.
	// Override via config: storage.compaction_workers
	DefaultCompactionWorkers = 2

	// DefaultCacheSize is the memory budget of the decoded bucket cache.
	// Override via config: storage.cache_size
	DefaultCacheSize = "64MB"
)

// =============================================================================
// WAL Defaults
// =============================================================================

const (
	// DefaultSegmentSize is the size at which a WAL segment is rotated.
	// Override via config: wal.segment_size
	DefaultSegmentSize = "64MB"

	// DefaultSyncMode is the WAL durability mode: async, sync or fsync.
	// Override via config: wal.sync_mode
	DefaultSyncMode = "sync"

	// DefaultFlushCount forces an fsync after this many appends in async mode.
	// Override via config: wal.flush_count
	DefaultFlushCount = 1000

	// DefaultISRThreshold is how far a follower may trail the leader and
	// still count as in sync.
	// Override via config: wal.isr_threshold
	DefaultISRThreshold = "8MB"

	// DefaultISRCheckInterval is how often follower lag is evaluated.
	// Override via config: wal.isr_check_interval
	DefaultISRCheckInterval = 10 * time.Second
)

// =============================================================================
// Replication Defaults
// =============================================================================

const (
	// DefaultReplicationFactor is the number of nodes holding each route.
	// Override via config: cluster.replication_factor
	DefaultReplicationFactor = 1

	// DefaultStrategy is the placement strategy: consistent or modulo.
	// Override via config: cluster.strategy
	DefaultStrategy = "consistent"

	// DefaultVirtualNodes is the number of ring positions per node.
	// Override via config: cluster.virtual_nodes
	DefaultVirtualNodes = 64

	// DefaultMaxFetchBytes caps one requestBatchReplication response.
	// Override via config: cluster.max_fetch_bytes
	DefaultMaxFetchBytes = "1MB"

	// DefaultEmptyWait is the follower backoff after an empty fetch.
	// Override via config: cluster.empty_wait
	DefaultEmptyWait = 2 * time.Second

	// DefaultErrorWait is the follower backoff after a failed fetch.
	// Override via config: cluster.error_wait
	DefaultErrorWait = time.Millisecond

	// DefaultISRPushInterval is how often leaders report ISR state to the
	// coordinator.
	// Override via config: cluster.isr_push_interval
	DefaultISRPushInterval = 10 * time.Second
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveType selects the archiver: disk or parquet.
	// Override via config: archive.type
	DefaultArchiveType = "disk"

	// DefaultArchiveMaxFileSize rolls the disk archiver to a new file.
	// Override via config: archive.max_file_size
	DefaultArchiveMaxFileSize = "10MB"

	// DefaultParquetCompression is the parquet page codec.
	// Override via config: archive.parquet_compression
	DefaultParquetCompression = "zstd"
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long shutdown waits for in-flight RPCs.
	DefaultDrainTimeout = 10 * time.Second
)
