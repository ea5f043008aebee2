package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	"github.com/xtxerr/tsdb/internal/wire"
)

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	MaxFetchBytes int
	EmptyWait     time.Duration
	ErrorWait     time.Duration
	RPCTimeout    time.Duration
}

// FollowerStats holds catch-up statistics of one route.
type FollowerStats struct {
	RouteKey      string
	LeaderID      string
	Offset        int64
	CommitOffset  int64
	Fetches       int64
	EmptyFetches  int64
	FetchErrors   int64
	Records       int64
	Points        int64
	ApplyErrors   int64
	Truncations   int64
	LastFetchTime time.Time
}

// maxTruncations bounds the truncate and refetch rounds of one FetchOnce.
const maxTruncations = 8

// Follower copies one route from its leader. The last applied offset is
// the local WAL tail: leader and follower append identical records in
// the same order, so their offsets agree.
type Follower struct {
	routeKey string
	nodeID   string
	leaderID string
	leader   Peer
	log      *wal.WAL
	applier  Applier
	opts     FollowerOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetches      atomic.Int64
	emptyFetches atomic.Int64
	fetchErrors  atomic.Int64
	records      atomic.Int64
	points       atomic.Int64
	applyErrors  atomic.Int64
	truncations  atomic.Int64
	lastFetch    atomic.Int64 // unix nanos
}

// NewFollower creates a follower of routeKey. nodeID is sent with every
// fetch so the leader can track this replica.
func NewFollower(routeKey, nodeID, leaderID string, leader Peer, w *wal.WAL, applier Applier, opts FollowerOptions) *Follower {
	ctx := logging.WithComponent(context.Background(), "replication")
	ctx = logging.WithNodeID(logging.WithRouteKey(ctx, routeKey), nodeID)
	ctx, cancel := context.WithCancel(ctx)
	return &Follower{
		routeKey: routeKey,
		nodeID:   nodeID,
		leaderID: leaderID,
		leader:   leader,
		log:      w,
		applier:  applier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the catch-up loop.
func (f *Follower) Start() {
	f.wg.Add(1)
	go f.fetchLoop()

	f.logger().Info("follower started", "leader", f.leaderID)
}

// Stop stops the loop and waits for an in-flight fetch.
func (f *Follower) Stop() {
	f.cancel()
	f.wg.Wait()

	f.logger().Info("follower stopped", "leader", f.leaderID)
}

// LeaderID returns the leader this follower copies from.
func (f *Follower) LeaderID() string { return f.leaderID }

// logger returns a logger carrying the route, this node and the local
// WAL tail.
func (f *Follower) logger() *slog.Logger {
	return logging.FromContext(logging.WithOffset(f.ctx, f.log.NextOffset()))
}

func (f *Follower) fetchLoop() {
	defer f.wg.Done()

	for {
		n, err := f.FetchOnce()

		var wait time.Duration
		switch {
		case err != nil:
			wait = f.opts.ErrorWait
			if f.ctx.Err() != nil {
				return
			}
			if errors.IsNotFound(err) {
				f.logger().Debug("route not on leader yet", "leader", f.leaderID)
			} else {
				f.logger().Warn("fetch failed", "leader", f.leaderID, "error", err)
			}
		case n == 0:
			wait = f.opts.EmptyWait
		}

		if wait <= 0 {
			if f.ctx.Err() != nil {
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-f.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// FetchOnce requests one block from the leader starting at the local WAL
// tail, appends and applies it, and returns the number of records
// received. A timed out or failed call leaves the offset unchanged, so
// the next fetch retries the same block. When the leader reports the
// tail is not one of its record boundaries, the local WAL is truncated
// to a shared boundary and the fetch is repeated.
func (f *Follower) FetchOnce() (int, error) {
	for i := 0; ; i++ {
		n, err := f.fetch()
		var oor *wal.OutOfRangeError
		if i == maxTruncations || !errors.As(err, &oor) {
			return n, err
		}
		if err := f.truncate(oor); err != nil {
			return 0, err
		}
	}
}

func (f *Follower) fetch() (int, error) {
	offset := f.log.NextOffset()

	ctx, cancel := context.WithTimeout(f.ctx, f.opts.RPCTimeout)
	defer cancel()

	f.fetches.Add(1)
	f.lastFetch.Store(time.Now().UnixNano())

	resp, err := f.leader.RequestBatchReplication(ctx, &wire.BatchDataRequest{
		RouteKey: f.routeKey,
		NodeID:   f.nodeID,
		Offset:   offset,
		MaxBytes: int32(f.opts.MaxFetchBytes),
	})
	if err == nil && resp.ResponseCode == errors.CodeBadRequest && resp.Message == MsgOffsetOutOfRange {
		f.fetchErrors.Add(1)
		return 0, fmt.Errorf("fetch %s: %w", f.routeKey,
			&wal.OutOfRangeError{Offset: offset, Boundary: resp.NextOffset})
	}
	resp, err = check(resp, err)
	if err != nil {
		f.fetchErrors.Add(1)
		return 0, fmt.Errorf("fetch %s at %d: %w", f.routeKey, offset, err)
	}

	if len(resp.Data) == 0 {
		f.emptyFetches.Add(1)
		f.log.SetCommitOffset(resp.CommitOffset)
		return 0, nil
	}

	for _, record := range resp.Data {
		if _, err := f.log.Write(record, false); err != nil {
			f.fetchErrors.Add(1)
			return 0, fmt.Errorf("append replicated record: %w", err)
		}
		f.records.Add(1)
		f.apply(record)
	}

	if next := f.log.NextOffset(); next != resp.NextOffset {
		f.fetchErrors.Add(1)
		return len(resp.Data), fmt.Errorf("local tail %d diverged from leader offset %d: %w",
			next, resp.NextOffset, errors.ErrCorrupt)
	}
	f.log.SetCommitOffset(resp.CommitOffset)

	return len(resp.Data), nil
}

// truncate drops the local records past the last boundary the leader
// shares with this log. Points of dropped records stay applied.
func (f *Follower) truncate(oor *wal.OutOfRangeError) error {
	if oor.Boundary < 0 || oor.Boundary >= oor.Offset {
		return fmt.Errorf("leader boundary %d for offset %d: %w", oor.Boundary, oor.Offset, errors.ErrCorrupt)
	}

	to, err := f.log.Boundary(oor.Boundary)
	if err != nil {
		return fmt.Errorf("truncate %s: %w", f.routeKey, err)
	}
	if err := f.log.TruncateTo(to); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", f.routeKey, to, err)
	}
	f.truncations.Add(1)

	logging.FromContext(logging.WithOffset(f.ctx, oor.Offset)).Warn("wal diverged from leader, truncated",
		"leader", f.leaderID,
		"leader_boundary", oor.Boundary,
		"truncated_to", to)
	return nil
}

// apply writes a record's points to local storage. Rejections are
// deterministic, the leader rejected the same points, so they are only
// counted.
func (f *Follower) apply(record []byte) {
	points, err := wire.DecodePoints(record)
	if err != nil {
		f.applyErrors.Add(1)
		f.logger().Error("undecodable replicated record", "error", err)
		return
	}

	n, err := f.applier.WritePoints(points)
	f.points.Add(int64(n))
	if err != nil {
		f.applyErrors.Add(1)
		if errors.IsRejected(err) {
			f.logger().Debug("replicated point rejected", "error", err)
			return
		}
		f.logger().Error("apply replicated points", "error", err)
	}
}

// Stats returns a snapshot of the follower statistics.
func (f *Follower) Stats() FollowerStats {
	s := FollowerStats{
		RouteKey:     f.routeKey,
		LeaderID:     f.leaderID,
		Offset:       f.log.NextOffset(),
		CommitOffset: f.log.CommitOffset(),
		Fetches:      f.fetches.Load(),
		EmptyFetches: f.emptyFetches.Load(),
		FetchErrors:  f.fetchErrors.Load(),
		Records:      f.records.Load(),
		Points:       f.points.Load(),
		ApplyErrors:  f.applyErrors.Load(),
		Truncations:  f.truncations.Load(),
	}
	if ns := f.lastFetch.Load(); ns > 0 {
		s.LastFetchTime = time.Unix(0, ns)
	}
	return s
}
