// Package config loads and validates the tsdb node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/tsdb/config"
	"github.com/xtxerr/tsdb/internal/constants"
)

// Config represents the complete node configuration.
type Config struct {
	// Node identifies this process in the cluster.
	Node NodeConfig `yaml:"node"`

	// Storage configures the compressed series engine.
	Storage StorageConfig `yaml:"storage"`

	// WAL configures the write-ahead log used for replication.
	WAL WALConfig `yaml:"wal"`

	// Cluster configures routing and replication.
	Cluster ClusterConfig `yaml:"cluster"`

	// Archive configures where read-only buckets are archived.
	Archive ArchiveConfig `yaml:"archive"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this process.
type NodeConfig struct {
	// ID is the stable node identifier. Generated when empty.
	ID string `yaml:"id"`

	// DataDir is the root directory for all node files.
	DataDir string `yaml:"data_dir"`
}

// StorageConfig configures the series engine.
type StorageConfig struct {
	// BucketWidth is the time window covered by one bucket.
	// Format: "1h", "250s"
	BucketWidth time.Duration `yaml:"bucket_width"`

	// MaxPointsPerBucket marks a bucket full once reached. Zero disables the cap.
	MaxPointsPerBucket int `yaml:"max_points_per_bucket"`

	// Codec is the codec used for active buckets.
	Codec string `yaml:"codec"`

	// CompactionCodec is the codec read-only buckets are rewritten into.
	// Empty disables compaction.
	CompactionCodec string `yaml:"compaction_codec"`

	// InitialBufferSize is the first allocation of a bucket buffer.
	InitialBufferSize ByteSize `yaml:"initial_buffer_size"`

	// Retention drops buckets older than this. Zero keeps data forever.
	Retention time.Duration `yaml:"retention"`

	// CompactionInterval is how often the compaction scheduler runs.
	CompactionInterval time.Duration `yaml:"compaction_interval"`

	// RetentionInterval is how often the retention manager runs.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// CompactionWorkers is the number of parallel compaction workers.
	CompactionWorkers int `yaml:"compaction_workers"`

	// CacheSize is the memory budget of the decoded bucket cache.
	// Zero disables the cache.
	CacheSize ByteSize `yaml:"cache_size"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Enabled turns on the WAL. Required when clustering is enabled.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SegmentSize is the size at which a segment is rotated.
	SegmentSize ByteSize `yaml:"segment_size"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// FlushCount forces an fsync after this many appends in async mode.
	FlushCount int `yaml:"flush_count"`

	// ISRThreshold is the maximum follower lag still counted as in sync.
	ISRThreshold ByteSize `yaml:"isr_threshold"`

	// ISRCheckInterval is how often follower lag is evaluated.
	ISRCheckInterval time.Duration `yaml:"isr_check_interval"`

	// DeleteSegments removes segments every follower has read past.
	DeleteSegments bool `yaml:"delete_segments"`
}

// PeerConfig is one static cluster member.
type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig configures routing and replication.
type ClusterConfig struct {
	// Enabled turns on routing and replication.
	Enabled bool `yaml:"enabled"`

	// Listen is the replication RPC listen address.
	Listen string `yaml:"listen"`

	// Advertise is the address peers use to reach this node.
	// Defaults to Listen.
	Advertise string `yaml:"advertise"`

	// Peers lists every cluster member, this node included.
	Peers []PeerConfig `yaml:"peers"`

	// Coordinator is the node id that owns route placement.
	// Defaults to the first peer.
	Coordinator string `yaml:"coordinator"`

	// ReplicationFactor is the number of nodes holding each route.
	ReplicationFactor int `yaml:"replication_factor"`

	// Strategy is the placement strategy: consistent or modulo.
	Strategy string `yaml:"strategy"`

	// VirtualNodes is the number of ring positions per node.
	VirtualNodes int `yaml:"virtual_nodes"`

	// MaxFetchBytes caps one replication fetch.
	MaxFetchBytes ByteSize `yaml:"max_fetch_bytes"`

	// EmptyWait is the follower backoff after an empty fetch.
	EmptyWait time.Duration `yaml:"empty_wait"`

	// ErrorWait is the follower backoff after a failed fetch.
	ErrorWait time.Duration `yaml:"error_wait"`

	// RPCTimeout bounds every replication call.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// ReadCommitted restricts follower fetches to the commit offset.
	ReadCommitted bool `yaml:"read_committed"`

	// PayloadCompression compresses replicated batches: none, snappy.
	PayloadCompression string `yaml:"payload_compression"`

	// ISRPushInterval is how often leaders report ISR state.
	ISRPushInterval time.Duration `yaml:"isr_push_interval"`

	// MaxMessageSize limits one RPC message.
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// ArchiveConfig configures archival of read-only buckets.
type ArchiveConfig struct {
	// Enabled archives buckets on flush and restores them on start.
	Enabled bool `yaml:"enabled"`

	// Type selects the archiver: disk, parquet.
	Type string `yaml:"type"`

	// Dir is the archive directory. Defaults to {DataDir}/archive.
	Dir string `yaml:"dir"`

	// MaxFileSize rolls the disk archiver to a new file.
	MaxFileSize ByteSize `yaml:"max_file_size"`

	// ParquetCompression is the parquet page codec: snappy, zstd, gzip, none.
	ParquetCompression string `yaml:"parquet_compression"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches to JSON output.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "/var/lib/tsdb",
		},
		Storage: StorageConfig{
			BucketWidth:        config.DefaultBucketWidth,
			Codec:              config.DefaultCodec,
			CompactionCodec:    config.DefaultCompactionCodec,
			InitialBufferSize:  config.DefaultInitialBufferSize,
			CompactionInterval: config.DefaultCompactionInterval,
			RetentionInterval:  config.DefaultRetentionInterval,
			CompactionWorkers:  config.DefaultCompactionWorkers,
			CacheSize:          MustByteSize(config.DefaultCacheSize),
		},
		WAL: WALConfig{
			SegmentSize:      MustByteSize(config.DefaultSegmentSize),
			SyncMode:         config.DefaultSyncMode,
			FlushCount:       config.DefaultFlushCount,
			ISRThreshold:     MustByteSize(config.DefaultISRThreshold),
			ISRCheckInterval: config.DefaultISRCheckInterval,
		},
		Cluster: ClusterConfig{
			Listen:             config.DefaultListenAddress,
			ReplicationFactor:  config.DefaultReplicationFactor,
			Strategy:           config.DefaultStrategy,
			VirtualNodes:       config.DefaultVirtualNodes,
			MaxFetchBytes:      MustByteSize(config.DefaultMaxFetchBytes),
			EmptyWait:          config.DefaultEmptyWait,
			ErrorWait:          config.DefaultErrorWait,
			RPCTimeout:         config.DefaultRPCTimeout,
			PayloadCompression: constants.CompressionSnappy,
			ISRPushInterval:    config.DefaultISRPushInterval,
			MaxMessageSize:     config.DefaultMaxMessageSize,
		},
		Archive: ArchiveConfig{
			Type:               config.DefaultArchiveType,
			MaxFileSize:        MustByteSize(config.DefaultArchiveMaxFileSize),
			ParquetCompression: config.DefaultParquetCompression,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyDefaults fills in values derived from other fields.
func (c *Config) ApplyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.Node.DataDir, "wal")
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.Node.DataDir, "archive")
	}
	if c.Cluster.Advertise == "" {
		c.Cluster.Advertise = c.Cluster.Listen
	}
	if c.Cluster.Coordinator == "" && len(c.Cluster.Peers) > 0 {
		c.Cluster.Coordinator = c.Cluster.Peers[0].ID
	}
	if c.Cluster.Enabled {
		c.WAL.Enabled = true
	}
}

// IsCoordinator reports whether this node owns route placement.
func (c *Config) IsCoordinator() bool {
	return c.Cluster.Coordinator == "" || c.Cluster.Coordinator == c.Node.ID
}

// Peer returns the configured peer with the given id.
func (c *Config) Peer(id string) (PeerConfig, bool) {
	for _, p := range c.Cluster.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Node.DataDir}
	if c.WAL.Enabled {
		dirs = append(dirs, c.WAL.Dir)
	}
	if c.Archive.Enabled {
		dirs = append(dirs, c.Archive.Dir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
