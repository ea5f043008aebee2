// Package cluster implements the clustered write path.
//
// A Node groups incoming points by route key, asks the coordinator for the
// placement of keys it has not seen, and hands each batch to the route
// leader: in process when this node leads, over WriteData otherwise.
// Followers pick the batches up through the replication fetch loop.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tsdb/internal/cluster/replication"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/wire"
)

var log = logging.Component("cluster")

// Options configures a Node.
type Options struct {
	// ReplicationFactor requested for new routes. Zero uses the
	// coordinator's default.
	ReplicationFactor int
}

// Stats holds write path statistics.
type Stats struct {
	Batches       int64
	Points        int64
	Forwarded     int64
	RouteRequests int64
	Failures      int64
	CachedRoutes  int
}

// Node routes writes to route leaders.
type Node struct {
	m    *replication.Manager
	opts Options

	mu      sync.RWMutex
	leaders map[string]string

	routes singleflight.Group

	batches       atomic.Int64
	points        atomic.Int64
	forwarded     atomic.Int64
	routeRequests atomic.Int64
	failures      atomic.Int64
}

// New creates a Node on top of a replication manager.
func New(m *replication.Manager, opts Options) *Node {
	return &Node{
		m:       m,
		opts:    opts,
		leaders: make(map[string]string),
	}
}

// ID returns the id of this node.
func (n *Node) ID() string { return n.m.NodeID() }

// group splits points by route key, keeping first-seen key order and the
// order of points within a key.
func group(points []types.Point) ([]string, map[string][]types.Point) {
	var keys []string
	groups := make(map[string][]types.Point)
	for _, p := range points {
		key := p.RouteKey()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p)
	}
	return keys, groups
}

// Write sends points to the leaders of their routes. Batches of different
// routes are independent: a failing route does not stop the others, and
// the returned error joins every failure.
func (n *Node) Write(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}

	keys, groups := group(points)
	var errs []error
	for _, key := range keys {
		if err := n.writeRoute(ctx, key, groups[key]); err != nil {
			n.failures.Add(1)
			errs = append(errs, fmt.Errorf("route %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Node) writeRoute(ctx context.Context, key string, points []types.Point) error {
	payload := n.m.Encode(points)

	leader, err := n.leader(ctx, key)
	if err != nil {
		return err
	}

	err = n.send(ctx, key, leader, payload)
	if err != nil && stale(err) {
		// The cached leader may have moved; ask again once.
		n.forget(key)
		log.Debug("retrying write with fresh route",
			"route", key,
			"leader", leader,
			"error", err)

		if leader, err = n.leader(ctx, key); err != nil {
			return err
		}
		err = n.send(ctx, key, leader, payload)
	}
	if err != nil {
		return err
	}

	n.batches.Add(1)
	n.points.Add(int64(len(points)))
	return nil
}

// stale reports whether a write failure may come from an outdated leader.
func stale(err error) bool {
	return errors.IsRetriable(err) || errors.IsNotFound(err)
}

func (n *Node) send(ctx context.Context, key, leader string, payload []byte) error {
	if leader == n.m.NodeID() {
		return n.m.WriteData(key, payload)
	}

	peer, err := n.m.Peer(leader)
	if err != nil {
		return err
	}
	resp, err := peer.WriteData(ctx, &wire.WriteDataRequest{RouteKey: key, Data: payload})
	if err != nil {
		return err
	}
	n.forwarded.Add(1)
	if resp.ResponseCode == errors.CodeBadRequest && resp.Message == replication.MsgWALNotFound {
		return fmt.Errorf("leader %s: %w", leader, errors.ErrWALNotFound)
	}
	return errors.CodeToError(resp.ResponseCode, resp.Message)
}

// leader returns the leader of key. Local replicas and earlier answers
// are used first; otherwise the coordinator is asked, with concurrent
// callers for one key sharing a single AddRoute call.
func (n *Node) leader(ctx context.Context, key string) (string, error) {
	n.mu.RLock()
	leader, ok := n.leaders[key]
	n.mu.RUnlock()
	if ok {
		return leader, nil
	}
	if leader, ok := n.m.Leader(key); ok {
		return leader, nil
	}

	v, err, _ := n.routes.Do(key, func() (any, error) {
		n.routeRequests.Add(1)

		coord, err := n.m.Coordinator()
		if err != nil {
			return "", err
		}
		resp, err := coord.AddRoute(ctx, &wire.AddRouteRequest{
			RouteKey:          key,
			ReplicationFactor: int32(n.opts.ReplicationFactor),
		})
		if err != nil {
			return "", fmt.Errorf("add route: %w", err)
		}
		if err := errors.CodeToError(resp.ResponseCode, resp.Message); err != nil {
			return "", fmt.Errorf("add route: %w", err)
		}
		if resp.LeaderID == "" {
			return "", fmt.Errorf("add route: empty leader: %w", errors.ErrInternal)
		}

		n.mu.Lock()
		n.leaders[key] = resp.LeaderID
		n.mu.Unlock()

		log.Debug("route resolved",
			"route", key,
			"leader", resp.LeaderID,
			"replicas", resp.ReplicaIDs)
		return resp.LeaderID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (n *Node) forget(key string) {
	n.mu.Lock()
	delete(n.leaders, key)
	n.mu.Unlock()
}

// RemoveNode drops a node from the cluster and forgets every cached route
// it led.
func (n *Node) RemoveNode(ctx context.Context, id string) error {
	if err := n.m.RemoveNode(ctx, id); err != nil {
		return err
	}

	n.mu.Lock()
	for key, leader := range n.leaders {
		if leader == id {
			delete(n.leaders, key)
		}
	}
	n.mu.Unlock()
	return nil
}

// Stats returns write path statistics.
func (n *Node) Stats() Stats {
	n.mu.RLock()
	cached := len(n.leaders)
	n.mu.RUnlock()

	return Stats{
		Batches:       n.batches.Load(),
		Points:        n.points.Load(),
		Forwarded:     n.forwarded.Load(),
		RouteRequests: n.routeRequests.Load(),
		Failures:      n.failures.Load(),
		CachedRoutes:  cached,
	}
}
