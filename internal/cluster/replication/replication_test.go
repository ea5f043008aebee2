package replication

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tsdb/internal/cluster/routing"
	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	"github.com/xtxerr/tsdb/internal/wire"
)

// memDialer connects managers in process.
type memDialer struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func (d *memDialer) Dial(address string) (Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[address]
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", address, errors.ErrConnectionFailed)
	}
	return p, nil
}

func (d *memDialer) set(address string, p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[address] = p
}

// deadPeer fails every call, like a stopped node.
type deadPeer struct{}

func (deadPeer) AddRoute(context.Context, *wire.AddRouteRequest) (*wire.AddRouteResponse, error) {
	return nil, errors.ErrConnectionFailed
}
func (deadPeer) AddReplica(context.Context, *wire.AddReplicaRequest) (*wire.GenericResponse, error) {
	return nil, errors.ErrConnectionFailed
}
func (deadPeer) WriteData(context.Context, *wire.WriteDataRequest) (*wire.GenericResponse, error) {
	return nil, errors.ErrConnectionFailed
}
func (deadPeer) RequestBatchReplication(context.Context, *wire.BatchDataRequest) (*wire.BatchDataResponse, error) {
	return nil, errors.ErrConnectionFailed
}
func (deadPeer) UpdateIsr(context.Context, *wire.IsrUpdateRequest) (*wire.GenericResponse, error) {
	return nil, errors.ErrConnectionFailed
}

type testNode struct {
	id      string
	address string
	engine  *storage.Engine
	m       *Manager
}

type testCluster struct {
	dialer *memDialer
	nodes  []*testNode
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	members := make([]routing.Node, n)
	for i := range members {
		members[i] = routing.Node{ID: fmt.Sprintf("n%d", i+1), Address: fmt.Sprintf("127.0.0.1:%d", 7001+i)}
	}

	c := &testCluster{dialer: &memDialer{peers: make(map[string]Peer)}}
	for _, member := range members {
		strategy := routing.NewConsistentHash(32)
		for _, other := range members {
			strategy.AddNode(other)
		}

		engine := newTestEngine(t)
		m, err := NewManager(Options{
			NodeID:            member.ID,
			Address:           member.Address,
			Coordinator:       members[0].ID,
			Dir:               t.TempDir(),
			WAL:               wal.Options{SegmentSize: 64 * 1024, ISRThreshold: 1024},
			ReplicationFactor: n,
			Compress:          true,
			MaxFetchBytes:     8 * 1024,
			EmptyWait:         5 * time.Millisecond,
			ErrorWait:         5 * time.Millisecond,
			RPCTimeout:        time.Second,
			ISRCheckInterval:  time.Hour,
			ISRPushInterval:   time.Hour,
		}, strategy, c.dialer, engine)
		require.NoError(t, err)
		require.NoError(t, m.Start())

		c.dialer.peers[member.Address] = NewService(m)
		c.nodes = append(c.nodes, &testNode{id: member.ID, address: member.Address, engine: engine, m: m})
	}

	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.m.Stop()
		}
	})
	return c
}

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	cfg := config.DefaultConfig().Storage
	cfg.CompactionCodec = ""
	cfg.CacheSize = 0
	engine, err := storage.New(&cfg)
	require.NoError(t, err)
	return engine
}

func (c *testCluster) node(id string) *testNode {
	for _, n := range c.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (c *testCluster) coordinator() *testNode { return c.nodes[0] }

func testBatch(start, n int) []types.Point {
	points := make([]types.Point, n)
	for i := range points {
		ts := int64(start+i) * 1000
		points[i] = types.Point{
			DB:          "metrics",
			Measurement: "cpu",
			Field:       "usage",
			Tags:        types.Tags{"host": "a"},
			DataPoint:   types.NewFloat(ts, math.Sin(float64(start+i))),
		}
	}
	return points
}

func queryAll(t *testing.T, e *storage.Engine) []types.DataPoint {
	t.Helper()
	result, err := e.QueryDataPoints("metrics", "cpu", "usage", 0, math.MaxInt64, nil, nil)
	require.NoError(t, err)
	if len(result) == 0 {
		return nil
	}
	require.Len(t, result, 1)
	return result[0].Points
}

// countPoints is safe to call from Eventually conditions.
func countPoints(e *storage.Engine) int {
	result, err := e.QueryDataPoints("metrics", "cpu", "usage", 0, math.MaxInt64, nil, nil)
	if err != nil || len(result) == 0 {
		return 0
	}
	return result[0].Len()
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Options{}, nil, nil, nil)
	require.ErrorIs(t, err, errors.ErrMissingField)
	require.True(t, errors.IsValidation(err))
}

func TestManager_AddRoute(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := context.Background()
	coord := c.coordinator().m

	route, err := coord.AddRoute(ctx, "metrics/cpu", 3)
	require.NoError(t, err)
	require.Len(t, route.Replicas, 3)
	require.Equal(t, route.Leader, route.Replicas[0])

	again, err := coord.AddRoute(ctx, "metrics/cpu", 2)
	require.NoError(t, err)
	require.Equal(t, route.Replicas, again.Replicas, "the first placement wins")

	for _, n := range c.nodes {
		leader, ok := n.m.Leader("metrics/cpu")
		require.True(t, ok, "node %s holds a replica", n.id)
		require.Equal(t, route.Leader, leader)
		_, ok = n.m.WAL("metrics/cpu")
		require.True(t, ok)
	}

	stats := c.node(route.Leader).m.Stats()
	require.Equal(t, 1, stats.Leading)
	require.Zero(t, stats.Following)

	_, err = coord.AddRoute(ctx, "metrics/mem", 4)
	require.ErrorIs(t, err, errors.ErrInsufficientNodes)

	_, err = c.nodes[1].m.AddRoute(ctx, "metrics/mem", 1)
	require.ErrorIs(t, err, errors.ErrNotLeader)
	_, err = coord.AddRoute(ctx, "metrics", 1)
	require.ErrorIs(t, err, errors.ErrInvalidArgument)
	require.Equal(t, errors.CodeBadRequest, errors.ErrorToCode(err))
}

func TestManager_ConcurrentAddRoute(t *testing.T) {
	c := newTestCluster(t, 3)
	coord := c.coordinator().m

	var wg sync.WaitGroup
	results := make([]*Route, 16)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := coord.AddRoute(context.Background(), "metrics/disk", 2)
			if err != nil {
				t.Errorf("AddRoute: %v", err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		require.Equal(t, results[0].Replicas, r.Replicas)
	}
	require.Len(t, coord.Routes(), 1)
}

func TestService_ResponseCodes(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := context.Background()
	svc := NewService(c.coordinator().m)

	resp, err := svc.AddRoute(ctx, &wire.AddRouteRequest{RouteKey: "metrics/cpu", ReplicationFactor: 5})
	require.NoError(t, err)
	require.Equal(t, errors.CodeInternal, resp.ResponseCode)

	resp, err = svc.AddRoute(ctx, &wire.AddRouteRequest{ReplicationFactor: 1})
	require.NoError(t, err)
	require.Equal(t, errors.CodeBadRequest, resp.ResponseCode)

	write, err := svc.WriteData(ctx, &wire.WriteDataRequest{RouteKey: "nope/nope", Data: wire.EncodePoints(testBatch(0, 1), false)})
	require.NoError(t, err)
	require.Equal(t, errors.CodeBadRequest, write.ResponseCode)
	require.Equal(t, "Wal not found on node", write.Message)

	batch, err := svc.RequestBatchReplication(ctx, &wire.BatchDataRequest{RouteKey: "nope/nope", NodeID: "n2"})
	require.NoError(t, err)
	require.Equal(t, errors.CodeNotFound, batch.ResponseCode)
	require.Equal(t, int64(-1), batch.NextOffset)

	isr, err := svc.UpdateIsr(ctx, &wire.IsrUpdateRequest{RouteKey: "nope/nope", IsrMap: map[string]bool{"n2": true}})
	require.NoError(t, err)
	require.Equal(t, errors.CodeInternal, isr.ResponseCode)

	add, err := svc.AddRoute(ctx, &wire.AddRouteRequest{RouteKey: "metrics/cpu", ReplicationFactor: 2})
	require.NoError(t, err)
	require.Equal(t, errors.CodeOK, add.ResponseCode)
	require.Len(t, add.ReplicaIDs, 2)
	require.Equal(t, add.LeaderID, add.ReplicaIDs[0])
}

func TestManager_WriteDataRequiresLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	route, err := c.coordinator().m.AddRoute(context.Background(), "metrics/cpu", 3)
	require.NoError(t, err)

	payload := wire.EncodePoints(testBatch(0, 10), true)
	follower := c.node(route.Replicas[1]).m
	require.ErrorIs(t, follower.WriteData("metrics/cpu", payload), errors.ErrNotLeader)

	leader := c.node(route.Leader).m
	require.ErrorIs(t, leader.WriteData("metrics/cpu", []byte{7}), errors.ErrInvalidArgument)
	require.NoError(t, leader.WriteData("metrics/cpu", payload))
}

func TestReplication_FollowersReconstructLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	route, err := c.coordinator().m.AddRoute(context.Background(), "metrics/cpu", 3)
	require.NoError(t, err)

	leader := c.node(route.Leader)
	for start := 0; start < 1000; start += 100 {
		require.NoError(t, leader.m.WriteData("metrics/cpu", wire.EncodePoints(testBatch(start, 100), true)))
	}

	want := queryAll(t, leader.engine)
	require.Len(t, want, 1000)

	for _, id := range route.Replicas[1:] {
		follower := c.node(id)
		require.Eventually(t, func() bool {
			return countPoints(follower.engine) == 1000
		}, 5*time.Second, 10*time.Millisecond, "follower %s did not catch up", id)
		require.Equal(t, want, queryAll(t, follower.engine))

		lw, _ := leader.m.WAL("metrics/cpu")
		fw, _ := follower.m.WAL("metrics/cpu")
		require.Equal(t, lw.NextOffset(), fw.NextOffset(), "offsets agree")
		require.LessOrEqual(t, fw.CommitOffset(), lw.CommitOffset(), "followers adopt the leader commit")

		stats := follower.m.Stats()
		require.Equal(t, 1, stats.Following)
		require.Len(t, stats.Followers, 1)
		require.Equal(t, int64(10), stats.Followers[0].Records)
		require.Equal(t, int64(1000), stats.Followers[0].Points)
	}
}

func TestReplication_RejectedPointsReplicateDeterministically(t *testing.T) {
	c := newTestCluster(t, 2)
	route, err := c.coordinator().m.AddRoute(context.Background(), "metrics/cpu", 2)
	require.NoError(t, err)
	leader := c.node(route.Leader)

	first := testBatch(0, 1)
	first[0].DataPoint = types.NewInt(0, 1)
	mixed := append(first, testBatch(1, 1)...)

	err = leader.m.WriteData("metrics/cpu", wire.EncodePoints(mixed, false))
	require.ErrorIs(t, err, errors.ErrTypeMismatch)
	require.Len(t, queryAll(t, leader.engine), 1)

	follower := c.node(route.Replicas[1])
	require.Eventually(t, func() bool {
		return countPoints(follower.engine) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, follower.engine.SeriesCount())
}

func TestManager_RequestBatchReplicationIsIdempotent(t *testing.T) {
	c := newTestCluster(t, 1)
	m := c.coordinator().m
	_, err := m.AddRoute(context.Background(), "metrics/cpu", 1)
	require.NoError(t, err)

	for start := 0; start < 50; start += 10 {
		require.NoError(t, m.WriteData("metrics/cpu", wire.EncodePoints(testBatch(start, 10), false)))
	}

	a, err := m.RequestBatchReplication("metrics/cpu", "", 0, 1<<20)
	require.NoError(t, err)
	b, err := m.RequestBatchReplication("metrics/cpu", "", 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a.Data, 5)

	var points []types.Point
	for _, record := range a.Data {
		decoded, err := wire.DecodePoints(record)
		require.NoError(t, err)
		points = append(points, decoded...)
	}
	require.Equal(t, testBatch(0, 50), points)

	tail, err := m.RequestBatchReplication("metrics/cpu", "", a.NextOffset, 1<<20)
	require.NoError(t, err)
	require.True(t, tail.Empty())
	require.Equal(t, a.NextOffset, tail.NextOffset)
}

func TestManager_PushISR(t *testing.T) {
	c := newTestCluster(t, 3)
	coord := c.coordinator().m
	route, err := coord.AddRoute(context.Background(), "metrics/cpu", 3)
	require.NoError(t, err)

	leader := c.node(route.Leader)
	require.NoError(t, leader.m.WriteData("metrics/cpu", wire.EncodePoints(testBatch(0, 10), false)))

	lw, _ := leader.m.WAL("metrics/cpu")
	require.Eventually(t, func() bool {
		followers := lw.Followers()
		if len(followers) != 2 {
			return false
		}
		for _, f := range followers {
			if f.Offset != lw.NextOffset() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	leader.m.CheckISR()
	leader.m.PushISR(context.Background())

	got, ok := coord.Route("metrics/cpu")
	require.True(t, ok)
	require.Len(t, got.ISR, 2)
	for _, id := range route.Replicas[1:] {
		require.True(t, got.ISR[id], "follower %s in sync", id)
	}
	require.Equal(t, int64(1), leader.m.Stats().ISRPushes)
	require.Equal(t, lw.NextOffset(), lw.CommitOffset())

	require.ErrorIs(t, c.nodes[1].m.UpdateIsr("metrics/cpu", nil), errors.ErrNotLeader)
}

func TestManager_RemoveNodePromotesInSyncFollower(t *testing.T) {
	c := newTestCluster(t, 3)
	coord := c.coordinator()
	ctx := context.Background()

	// find a route the coordinator does not lead
	var route *Route
	for i := 0; i < 100; i++ {
		r, err := coord.m.AddRoute(ctx, fmt.Sprintf("metrics/m%d", i), 3)
		require.NoError(t, err)
		if r.Leader != coord.id {
			route = r
			break
		}
	}
	require.NotNil(t, route)

	old := c.node(route.Leader)
	db, measurement := types.SplitRouteKey(route.Key)
	batch := testBatch(0, 20)
	for i := range batch {
		batch[i].DB, batch[i].Measurement = db, measurement
	}
	require.NoError(t, old.m.WriteData(route.Key, wire.EncodePoints(batch, false)))

	ow, _ := old.m.WAL(route.Key)
	require.Eventually(t, func() bool {
		for _, id := range route.Replicas[1:] {
			w, _ := c.node(id).m.WAL(route.Key)
			if w.NextOffset() != ow.NextOffset() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// the second follower is reported in sync, the first is not
	require.NoError(t, coord.m.UpdateIsr(route.Key, map[string]bool{
		route.Replicas[1]: false,
		route.Replicas[2]: true,
	}))

	c.dialer.set(old.address, deadPeer{})
	require.NoError(t, old.m.Stop())

	require.NoError(t, coord.m.RemoveNode(ctx, old.id))

	promoted, ok := coord.m.Route(route.Key)
	require.True(t, ok)
	require.Equal(t, route.Replicas[2], promoted.Leader)
	require.Equal(t, []string{route.Replicas[2], route.Replicas[1]}, promoted.Replicas)

	newLeader := c.node(promoted.Leader)
	leaderID, _ := newLeader.m.Leader(route.Key)
	require.Equal(t, newLeader.id, leaderID)

	more := testBatch(20, 20)
	for i := range more {
		more[i].DB, more[i].Measurement = db, measurement
	}
	require.NoError(t, newLeader.m.WriteData(route.Key, wire.EncodePoints(more, false)))

	other := c.node(promoted.Replicas[1])
	otherLeader, _ := other.m.Leader(route.Key)
	require.Equal(t, newLeader.id, otherLeader)

	nw, _ := newLeader.m.WAL(route.Key)
	require.Eventually(t, func() bool {
		w, _ := other.m.WAL(route.Key)
		return w.NextOffset() == nw.NextOffset()
	}, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, coord.m.RemoveNode(ctx, coord.id), errors.ErrInvalidArgument)
}

// slowApplier holds back the batch starting at slowTS.
type slowApplier struct {
	Applier
	slowTS int64
	delay  time.Duration
}

func (a *slowApplier) WritePoints(points []types.Point) (int, error) {
	if len(points) > 0 && points[0].Timestamp == a.slowTS {
		time.Sleep(a.delay)
	}
	return a.Applier.WritePoints(points)
}

func TestManager_WriteDataAppliesInWALOrder(t *testing.T) {
	engine := newTestEngine(t)
	width := config.DefaultConfig().Storage.BucketWidth.Milliseconds()

	dialer := &memDialer{peers: make(map[string]Peer)}
	strategy := routing.NewConsistentHash(32)
	strategy.AddNode(routing.Node{ID: "n1", Address: "127.0.0.1:7001"})

	m, err := NewManager(Options{
		NodeID:            "n1",
		Address:           "127.0.0.1:7001",
		Coordinator:       "n1",
		Dir:               t.TempDir(),
		ReplicationFactor: 1,
		ISRCheckInterval:  time.Hour,
		ISRPushInterval:   time.Hour,
	}, strategy, dialer, &slowApplier{Applier: engine, slowTS: 0, delay: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	dialer.set("127.0.0.1:7001", NewService(m))

	_, err = m.AddRoute(context.Background(), "metrics/cpu", 1)
	require.NoError(t, err)

	// a is held in the applier while b, one window later, arrives
	a := testBatch(0, 5)
	b := testBatch(0, 5)
	for i := range b {
		b[i].Timestamp += width
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = m.WriteData("metrics/cpu", wire.EncodePoints(a, false))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		errs[1] = m.WriteData("metrics/cpu", wire.EncodePoints(b, false))
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// replaying the WAL must rebuild the leader state
	lw, _ := m.WAL("metrics/cpu")
	result, err := lw.Read("", 0, 1<<20, false)
	require.NoError(t, err)
	require.Len(t, result.Data, 2)

	replay := newTestEngine(t)
	for _, record := range result.Data {
		points, err := wire.DecodePoints(record)
		require.NoError(t, err)
		_, err = replay.WritePoints(points)
		require.NoError(t, err)
	}

	require.Equal(t, 10, countPoints(engine))
	require.Equal(t, queryAll(t, replay), queryAll(t, engine))
}

// lockedBuffer collects log lines written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_LogsCarryRequestContext(t *testing.T) {
	_, svc := newTestLeader(t)

	out := &lockedBuffer{}
	prev := logging.Logger
	logging.InitWithHandler(slog.NewJSONHandler(out, nil))
	t.Cleanup(func() { logging.InitWithHandler(prev.Handler()) })

	resp, err := svc.RequestBatchReplication(context.Background(), &wire.BatchDataRequest{
		RouteKey: "metrics/cpu", NodeID: "n3", Offset: 999,
	})
	require.NoError(t, err)
	require.Equal(t, errors.CodeBadRequest, resp.ResponseCode)

	var line string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.Contains(l, "fetch offset out of range") {
			line = l
		}
	}
	require.NotEmpty(t, line, "no out of range log in %q", out.String())
	for _, attr := range []string{`"component":"replication"`, `"route":"metrics/cpu"`, `"node":"n3"`, `"offset":999`, `"boundary":0`} {
		require.Contains(t, line, attr)
	}
}
