package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/xtxerr/tsdb/config"
	"github.com/xtxerr/tsdb/internal/cluster/routing"
	"github.com/xtxerr/tsdb/internal/constants"
	tsdberrors "github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/compression"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	if err := c.WAL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}

	if err := c.Cluster.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cluster: %w", err))
	}

	if c.Cluster.Enabled && !c.WAL.Enabled {
		errs = append(errs, errors.New("cluster requires wal.enabled"))
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", tsdberrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	var errs []error

	if c.BucketWidth < time.Millisecond {
		errs = append(errs, errors.New("bucket_width must be at least 1ms"))
	}
	if c.BucketWidth > config.MaxBucketWidth {
		errs = append(errs, fmt.Errorf("bucket_width must not exceed %s", config.MaxBucketWidth))
	}

	if c.MaxPointsPerBucket < 0 {
		errs = append(errs, errors.New("max_points_per_bucket must not be negative"))
	}

	if _, err := compression.Lookup(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if c.CompactionCodec != "" {
		if _, err := compression.Lookup(c.CompactionCodec); err != nil {
			errs = append(errs, fmt.Errorf("compaction_codec: %w", err))
		}
	}

	if c.InitialBufferSize <= 0 {
		errs = append(errs, errors.New("initial_buffer_size must be positive"))
	}

	if c.Retention < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}

	if c.CompactionCodec != "" {
		if c.CompactionInterval <= 0 {
			errs = append(errs, errors.New("compaction_interval must be positive"))
		}
		if c.CompactionWorkers <= 0 {
			errs = append(errs, errors.New("compaction_workers must be positive"))
		}
	}

	if c.Retention > 0 && c.RetentionInterval <= 0 {
		errs = append(errs, errors.New("retention_interval must be positive"))
	}

	if c.CacheSize < 0 {
		errs = append(errs, errors.New("cache_size must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if !constants.IsValidSyncMode(c.SyncMode) {
		errs = append(errs, errors.New("sync_mode must be one of: async, sync, fsync"))
	}

	if c.SegmentSize < 1024 {
		errs = append(errs, errors.New("segment_size must be at least 1KiB"))
	}

	if c.ISRThreshold <= 0 {
		errs = append(errs, errors.New("isr_threshold must be positive"))
	}

	if c.ISRCheckInterval <= 0 {
		errs = append(errs, errors.New("isr_check_interval must be positive"))
	}

	if c.SyncMode == constants.SyncModeAsync && c.FlushCount <= 0 {
		errs = append(errs, errors.New("flush_count must be positive in async mode"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the cluster configuration.
func (c *ClusterConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}

	if len(c.Peers) == 0 {
		errs = append(errs, errors.New("at least one peer is required"))
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: id and address are required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	if c.Coordinator != "" && len(c.Peers) > 0 && !seen[c.Coordinator] {
		errs = append(errs, fmt.Errorf("coordinator %q is not a peer", c.Coordinator))
	}

	if c.ReplicationFactor <= 0 {
		errs = append(errs, errors.New("replication_factor must be positive"))
	} else if len(c.Peers) > 0 && c.ReplicationFactor > len(c.Peers) {
		errs = append(errs, errors.New("replication_factor exceeds the number of peers"))
	}

	if !routing.Valid(c.Strategy) {
		errs = append(errs, fmt.Errorf("strategy: %w: %q", tsdberrors.ErrUnknownStrategy, c.Strategy))
	}
	if c.Strategy == routing.StrategyConsistent && c.VirtualNodes <= 0 {
		errs = append(errs, errors.New("virtual_nodes must be positive"))
	}

	if c.MaxFetchBytes <= 0 {
		errs = append(errs, errors.New("max_fetch_bytes must be positive"))
	}
	if c.MaxMessageSize <= c.MaxFetchBytes {
		errs = append(errs, errors.New("max_message_size must exceed max_fetch_bytes"))
	}

	if c.EmptyWait <= 0 || c.ErrorWait <= 0 {
		errs = append(errs, errors.New("empty_wait and error_wait must be positive"))
	}

	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc_timeout must be positive"))
	}

	if !constants.IsValidPayloadCompression(c.PayloadCompression) {
		errs = append(errs, errors.New("payload_compression must be one of: none, snappy"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	switch c.Type {
	case constants.ArchiveTypeDisk:
		if c.MaxFileSize <= 0 {
			errs = append(errs, errors.New("max_file_size must be positive"))
		}
	case constants.ArchiveTypeParquet:
		if !constants.IsValidParquetCompression(c.ParquetCompression) {
			errs = append(errs, errors.New("parquet_compression must be one of: none, snappy, zstd, gzip"))
		}
	default:
		errs = append(errs, errors.New("type must be one of: disk, parquet"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
