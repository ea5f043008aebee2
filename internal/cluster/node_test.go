package cluster

import (
	"context"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tsdb/internal/client"
	"github.com/xtxerr/tsdb/internal/cluster/replication"
	"github.com/xtxerr/tsdb/internal/cluster/routing"
	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/server"
	"github.com/xtxerr/tsdb/internal/storage"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	tsdbtest "github.com/xtxerr/tsdb/internal/testing"
)

type member struct {
	id     string
	engine *storage.Engine
	m      *replication.Manager
	node   *Node
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startCluster runs n nodes over gRPC on loopback. m1 coordinates.
func startCluster(t *testing.T, n, rf int) []*member {
	t.Helper()

	nodes := make([]routing.Node, n)
	for i := range nodes {
		nodes[i] = routing.Node{ID: fmt.Sprintf("m%d", i+1), Address: freeAddr(t)}
	}

	var members []*member
	for _, self := range nodes {
		strategy, err := routing.New(routing.StrategyConsistent, 32)
		require.NoError(t, err)
		for _, other := range nodes {
			strategy.AddNode(other)
		}

		cfg := config.DefaultConfig().Storage
		cfg.CompactionCodec = ""
		cfg.CacheSize = 0
		engine, err := storage.New(&cfg)
		require.NoError(t, err)

		pool := client.NewPool(client.Options{Timeout: 2 * time.Second})
		m, err := replication.NewManager(replication.Options{
			NodeID:            self.ID,
			Address:           self.Address,
			Coordinator:       nodes[0].ID,
			Dir:               t.TempDir(),
			WAL:               wal.Options{SegmentSize: 64 * 1024, ISRThreshold: 1024},
			ReplicationFactor: rf,
			Compress:          true,
			EmptyWait:         5 * time.Millisecond,
			ErrorWait:         20 * time.Millisecond,
			RPCTimeout:        2 * time.Second,
			ISRCheckInterval:  time.Hour,
			ISRPushInterval:   time.Hour,
		}, strategy, pool, engine)
		require.NoError(t, err)
		require.NoError(t, m.Start())

		srv, err := server.New(&server.Config{Listen: self.Address, Handler: replication.NewService(m)})
		require.NoError(t, err)
		require.NoError(t, srv.Start())

		t.Cleanup(func() {
			m.Stop()
			srv.Stop()
			pool.Close()
		})
		members = append(members, &member{
			id:     self.ID,
			engine: engine,
			m:      m,
			node:   New(m, Options{ReplicationFactor: rf}),
		})
	}
	return members
}

func byID(members []*member, id string) *member {
	for _, m := range members {
		if m.id == id {
			return m
		}
	}
	return nil
}

func batch(measurement string, start, n int) []types.Point {
	points := make([]types.Point, n)
	for i := range points {
		points[i] = types.Point{
			DB:          "metrics",
			Measurement: measurement,
			Field:       "value",
			Tags:        types.Tags{"host": "a"},
			DataPoint:   types.NewFloat(int64(start+i)*1000, float64(start+i)),
		}
	}
	return points
}

func count(e *storage.Engine, measurement string) int {
	result, err := e.QueryDataPoints("metrics", measurement, "value", 0, math.MaxInt64, nil, nil)
	if err != nil || len(result) == 0 {
		return 0
	}
	return result[0].Len()
}

func TestGroup(t *testing.T) {
	points := append(batch("cpu", 0, 2), batch("mem", 0, 1)...)
	points = append(points, batch("cpu", 2, 1)...)

	keys, groups := group(points)
	require.Equal(t, []string{"metrics/cpu", "metrics/mem"}, keys)
	require.Len(t, groups["metrics/cpu"], 3)
	require.Equal(t, int64(2000), groups["metrics/cpu"][2].Timestamp)
	require.Len(t, groups["metrics/mem"], 1)
}

func TestNode_WriteReachesEveryReplica(t *testing.T) {
	members := startCluster(t, 3, 2)
	ctx := context.Background()

	// Write through a node that is not the coordinator.
	writer := members[2].node
	var points []types.Point
	for _, name := range []string{"cpu", "mem", "disk", "net"} {
		points = append(points, batch(name, 0, 200)...)
	}
	require.NoError(t, writer.Write(ctx, points))

	stats := writer.Stats()
	require.Equal(t, int64(4), stats.Batches)
	require.Equal(t, int64(800), stats.Points)
	require.Equal(t, int64(4), stats.RouteRequests)

	coord := members[0].m
	for _, name := range []string{"cpu", "mem", "disk", "net"} {
		route, ok := coord.Route(types.RouteKey("metrics", name))
		require.True(t, ok, name)
		require.Len(t, route.Replicas, 2)

		for _, id := range route.Replicas {
			holder := byID(members, id)
			require.Eventually(t, func() bool {
				return count(holder.engine, name) == 200
			}, 5*time.Second, 10*time.Millisecond, "%s on %s", name, id)
		}
		for _, other := range members {
			if other.id != route.Replicas[0] && other.id != route.Replicas[1] {
				require.Zero(t, count(other.engine, name), "%s leaked to %s", name, other.id)
			}
		}
	}

	// A second write uses the cached placement.
	require.NoError(t, writer.Write(ctx, batch("cpu", 200, 10)))
	require.Equal(t, int64(4), writer.Stats().RouteRequests)
}

func TestNode_ConcurrentFirstWrites(t *testing.T) {
	members := startCluster(t, 3, 3)
	ctx := context.Background()

	h := tsdbtest.NewTestHelper(t)
	for i, m := range members {
		h.Go(func() error {
			if err := m.node.Write(ctx, batch("cpu", i*100, 100)); err != nil {
				return fmt.Errorf("write from %s: %w", m.id, err)
			}
			return nil
		})
	}
	h.Wait()

	require.Len(t, members[0].m.Routes(), 1)
	for _, m := range members {
		require.Eventually(t, func() bool {
			return count(m.engine, "cpu") == 300
		}, 5*time.Second, 10*time.Millisecond, "replica %s", m.id)
	}
}

func TestNode_RejectedBatch(t *testing.T) {
	members := startCluster(t, 2, 2)
	ctx := context.Background()
	writer := members[1].node

	require.NoError(t, writer.Write(ctx, batch("cpu", 0, 1)))

	ints := batch("cpu", 1, 1)
	ints[0].DataPoint = types.NewInt(1000, 7)
	err := writer.Write(ctx, ints)
	require.Error(t, err)
	require.True(t, errors.IsRejected(err), "got %v", err)
	require.Equal(t, int64(1), writer.Stats().Failures)
}

func TestNode_RouteFailure(t *testing.T) {
	members := startCluster(t, 2, 2)

	// More replicas than nodes cannot be placed.
	n := New(members[1].m, Options{ReplicationFactor: 5})
	err := n.Write(context.Background(), batch("cpu", 0, 1))
	require.ErrorIs(t, err, errors.ErrInternal)
	require.Zero(t, n.Stats().CachedRoutes)
	require.Empty(t, members[0].m.Routes())
}

func TestNode_RemoveNodeForgetsLeader(t *testing.T) {
	members := startCluster(t, 3, 2)
	ctx := context.Background()
	coord := members[0]

	// Find a route the coordinator does not lead so it can be removed.
	var key string
	var leader string
	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("s%d", i)
		require.NoError(t, coord.node.Write(ctx, batch(name, 0, 1)))
		route, _ := coord.m.Route(types.RouteKey("metrics", name))
		if route.Leader != coord.id {
			key, leader = route.Key, route.Leader
			break
		}
	}
	require.NotEmpty(t, key)

	before := coord.node.Stats().CachedRoutes
	require.NoError(t, coord.node.RemoveNode(ctx, leader))
	require.Less(t, coord.node.Stats().CachedRoutes, before)

	route, ok := coord.m.Route(key)
	require.True(t, ok)
	require.NotEqual(t, leader, route.Leader)
}
