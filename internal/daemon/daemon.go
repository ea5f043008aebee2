// Package daemon assembles a tsdb node from its configuration.
package daemon

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/xtxerr/tsdb/internal/client"
	"github.com/xtxerr/tsdb/internal/cluster"
	"github.com/xtxerr/tsdb/internal/cluster/replication"
	"github.com/xtxerr/tsdb/internal/cluster/routing"
	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/constants"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/server"
	"github.com/xtxerr/tsdb/internal/storage"
	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/parquet"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/storage/wal"
)

var log = logging.Component("daemon")

// Daemon owns every component of one node.
type Daemon struct {
	cfg *config.Config

	engine   *storage.Engine
	archiver archival.Archiver

	pool    *client.Pool
	manager *replication.Manager
	server  *server.Server
	node    *cluster.Node
}

// New builds the components of a node. Nothing runs until Start.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg}

	engine, err := storage.New(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage engine: %w", err)
	}
	d.engine = engine

	if cfg.Archive.Enabled {
		if d.archiver, err = OpenArchiver(&cfg.Archive); err != nil {
			return nil, err
		}
	}

	if cfg.Cluster.Enabled {
		if err := d.buildCluster(); err != nil {
			d.closeArchiver()
			return nil, err
		}
	}
	return d, nil
}

// OpenArchiver creates the archiver selected by the archive section.
func OpenArchiver(cfg *config.ArchiveConfig) (archival.Archiver, error) {
	switch strings.ToLower(cfg.Type) {
	case "", constants.ArchiveTypeDisk:
		return archival.NewDiskArchiver(cfg.Dir, cfg.MaxFileSize.Int64())
	case constants.ArchiveTypeParquet:
		opts := parquet.DefaultOptions()
		if cfg.ParquetCompression != "" {
			ct, err := parquet.ParseCompressionType(cfg.ParquetCompression)
			if err != nil {
				return nil, err
			}
			opts.Compression = ct
		}
		return parquet.NewArchiver(cfg.Dir, opts)
	default:
		return nil, fmt.Errorf("archive type %q: %w", cfg.Type, errors.ErrInvalidConfig)
	}
}

func (d *Daemon) buildCluster() error {
	cc := &d.cfg.Cluster

	strategy, err := routing.New(cc.Strategy, cc.VirtualNodes)
	if err != nil {
		return err
	}
	self := false
	for _, p := range cc.Peers {
		strategy.AddNode(routing.Node{ID: p.ID, Address: p.Address})
		self = self || p.ID == d.cfg.Node.ID
	}
	if !self {
		strategy.AddNode(routing.Node{ID: d.cfg.Node.ID, Address: cc.Advertise})
	}

	d.pool = client.NewPool(client.Options{
		Timeout:        cc.RPCTimeout,
		MaxMessageSize: int(cc.MaxMessageSize),
	})

	d.manager, err = replication.NewManager(replication.Options{
		NodeID:      d.cfg.Node.ID,
		Address:     cc.Advertise,
		Coordinator: cc.Coordinator,
		Dir:         d.cfg.WAL.Dir,
		WAL: wal.Options{
			SegmentSize:    d.cfg.WAL.SegmentSize.Int64(),
			SyncMode:       d.cfg.WAL.SyncMode,
			FlushCount:     d.cfg.WAL.FlushCount,
			ISRThreshold:   d.cfg.WAL.ISRThreshold.Int64(),
			DeleteSegments: d.cfg.WAL.DeleteSegments,
		},
		ReplicationFactor: cc.ReplicationFactor,
		Compress:          strings.EqualFold(cc.PayloadCompression, constants.CompressionSnappy),
		MaxFetchBytes:     int(cc.MaxFetchBytes),
		ReadCommitted:     cc.ReadCommitted,
		EmptyWait:         cc.EmptyWait,
		ErrorWait:         cc.ErrorWait,
		RPCTimeout:        cc.RPCTimeout,
		ISRCheckInterval:  d.cfg.WAL.ISRCheckInterval,
		ISRPushInterval:   cc.ISRPushInterval,
	}, strategy, d.pool, d.engine)
	if err != nil {
		return err
	}

	d.server, err = server.New(&server.Config{
		Listen:         cc.Listen,
		Handler:        replication.NewService(d.manager),
		MaxMessageSize: int(cc.MaxMessageSize),
	})
	if err != nil {
		return err
	}

	d.node = cluster.New(d.manager, cluster.Options{ReplicationFactor: cc.ReplicationFactor})
	return nil
}

// Start restores archived buckets, then starts storage, replication and
// the RPC server in that order.
func (d *Daemon) Start() error {
	if d.archiver != nil {
		n, err := d.engine.Restore(d.archiver)
		if err != nil {
			return fmt.Errorf("restore archive: %w", err)
		}
		log.Info("archive restored", "buckets", n, "dir", d.cfg.Archive.Dir)
	}

	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("start storage engine: %w", err)
	}

	if d.manager != nil {
		if err := d.manager.Start(); err != nil {
			d.engine.Stop()
			return fmt.Errorf("start replication: %w", err)
		}
		if err := d.server.Start(); err != nil {
			d.manager.Stop()
			d.engine.Stop()
			return fmt.Errorf("start server: %w", err)
		}
	}

	log.Info("node started",
		"node", d.cfg.Node.ID,
		"cluster", d.cfg.Cluster.Enabled,
		"coordinator", d.cfg.IsCoordinator(),
		"archive", d.cfg.Archive.Enabled)
	return nil
}

// Stop shuts down in reverse order: RPC server, replication, storage.
// Sealed buckets are archived before the archiver is closed.
func (d *Daemon) Stop() error {
	var errs []error

	if d.server != nil {
		d.server.Stop()
	}
	if d.manager != nil {
		if err := d.manager.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop replication: %w", err))
		}
	}
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client pool: %w", err))
		}
	}

	if err := d.engine.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop storage engine: %w", err))
	}
	if d.archiver != nil {
		n, err := d.engine.Archive(d.archiver)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		} else {
			log.Info("buckets archived on shutdown", "buckets", n)
		}
	}
	if err := d.closeArchiver(); err != nil {
		errs = append(errs, err)
	}

	log.Info("node stopped", "node", d.cfg.Node.ID)
	return errors.Join(errs...)
}

func (d *Daemon) closeArchiver() error {
	if d.archiver == nil {
		return nil
	}
	if err := d.archiver.Close(); err != nil {
		return fmt.Errorf("close archiver: %w", err)
	}
	return nil
}

// Write stores points. Clustered nodes route them to the route leaders;
// standalone nodes write to local storage.
func (d *Daemon) Write(ctx context.Context, points []types.Point) error {
	if d.node != nil {
		return d.node.Write(ctx, points)
	}
	_, err := d.engine.WritePoints(points)
	return err
}

// Engine returns the storage engine.
func (d *Daemon) Engine() *storage.Engine { return d.engine }

// Manager returns the replication manager, nil when clustering is off.
func (d *Daemon) Manager() *replication.Manager { return d.manager }

// Node returns the clustered write path, nil when clustering is off.
func (d *Daemon) Node() *cluster.Node { return d.node }

// Addr returns the RPC listen address, nil when clustering is off or the
// server has not started.
func (d *Daemon) Addr() net.Addr {
	if d.server == nil {
		return nil
	}
	return d.server.Addr()
}
