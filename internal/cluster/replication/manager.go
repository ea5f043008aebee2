package replication

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tsdb/internal/cluster/routing"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	"github.com/xtxerr/tsdb/internal/validation"
	"github.com/xtxerr/tsdb/internal/wire"
)

// replica is a route held by this node.
type replica struct {
	routeKey   string
	leaderID   string
	leaderAddr string
	replicas   []string
	log        *wal.WAL
	follower   *Follower // nil while this node leads

	// wmu orders leader appends with their applies, so the engine sees
	// batches in offset order.
	wmu sync.Mutex
}

// Manager owns the local replicas of this node and, on the coordinator,
// the route table.
type Manager struct {
	opts     Options
	strategy routing.Strategy
	dialer   Dialer
	applier  Applier
	local    *Service

	// topo serializes replica changes so followers can be stopped
	// without holding mu, which their fetches need.
	topo sync.Mutex

	mu       sync.RWMutex
	routes   map[string]*Route   // coordinator only
	pushed   map[string]bool     // routes whose replicas all acknowledged
	replicas map[string]*replica // local replicas by route key

	pushes singleflight.Group

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	writes       atomic.Int64
	writeErrors  atomic.Int64
	isrPushes    atomic.Int64
	isrPushFails atomic.Int64
}

// NewManager creates a manager. The strategy must contain every cluster
// member, this node included.
func NewManager(opts Options, strategy routing.Strategy, dialer Dialer, applier Applier) (*Manager, error) {
	errs := errors.NewValidationErrors()
	if opts.NodeID == "" {
		errs.AddMissing("node id")
	}
	if opts.Dir == "" {
		errs.AddMissing("wal dir")
	}
	if strategy == nil {
		errs.AddMissing("routing strategy")
	}
	if applier == nil {
		errs.AddMissing("applier")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if opts.Coordinator == "" {
		opts.Coordinator = opts.NodeID
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:     opts,
		strategy: strategy,
		dialer:   dialer,
		applier:  applier,
		routes:   make(map[string]*Route),
		pushed:   make(map[string]bool),
		replicas: make(map[string]*replica),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.local = NewService(m)
	return m, nil
}

// NodeID returns the id of this node.
func (m *Manager) NodeID() string { return m.opts.NodeID }

// Address returns the advertised address of this node.
func (m *Manager) Address() string { return m.opts.Address }

// IsCoordinator reports whether this node owns the route table.
func (m *Manager) IsCoordinator() bool { return m.opts.Coordinator == m.opts.NodeID }

// Start starts the ISR loop.
func (m *Manager) Start() error {
	if m.running.Load() {
		return fmt.Errorf("replication manager already running")
	}
	m.running.Store(true)

	m.wg.Add(1)
	go m.isrLoop()

	log.Info("replication started",
		"node", m.opts.NodeID,
		"coordinator", m.opts.Coordinator,
		"nodes", m.strategy.Size())
	return nil
}

// Stop stops every follower and closes the route WALs.
func (m *Manager) Stop() error {
	if !m.running.Swap(false) {
		return nil
	}
	m.cancel()
	m.wg.Wait()

	m.topo.Lock()
	defer m.topo.Unlock()

	m.mu.Lock()
	replicas := m.replicas
	m.replicas = make(map[string]*replica)
	m.mu.Unlock()

	var errs []error
	for key, r := range replicas {
		if r.follower != nil {
			r.follower.Stop()
		}
		if err := r.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wal of %s: %w", key, err))
		}
	}

	log.Info("replication stopped", "node", m.opts.NodeID)
	return errors.Join(errs...)
}

// peer returns the RPC surface of a node. This node is served in process.
func (m *Manager) peer(id string) (Peer, error) {
	if id == m.opts.NodeID {
		return m.local, nil
	}
	node, ok := m.node(id)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, errors.ErrNotFound)
	}
	if m.dialer == nil {
		return nil, fmt.Errorf("no dialer for node %s: %w", id, errors.ErrConnectionFailed)
	}
	return m.dialer.Dial(node.Address)
}

func (m *Manager) node(id string) (routing.Node, bool) {
	for _, n := range m.strategy.Nodes() {
		if n.ID == id {
			return n, true
		}
	}
	return routing.Node{}, false
}

// Coordinator returns the RPC surface of the coordinator.
func (m *Manager) Coordinator() (Peer, error) {
	return m.peer(m.opts.Coordinator)
}

// Peer returns the RPC surface of the node with the given id.
func (m *Manager) Peer(id string) (Peer, error) {
	return m.peer(id)
}

// =============================================================================
// Coordinator: route table
// =============================================================================

// AddRoute returns the placement of routeKey, creating it on first use.
// The first registration wins; later calls return the stored placement.
// Every replica is told about the route before AddRoute returns.
func (m *Manager) AddRoute(ctx context.Context, routeKey string, replicationFactor int) (*Route, error) {
	if !m.IsCoordinator() {
		return nil, fmt.Errorf("add route on %s, coordinator is %s: %w",
			m.opts.NodeID, m.opts.Coordinator, errors.ErrNotLeader)
	}
	if _, err := validation.ParseRouteKey(routeKey); err != nil {
		return nil, err
	}
	if replicationFactor <= 0 {
		replicationFactor = m.opts.ReplicationFactor
	}
	if size := m.strategy.Size(); replicationFactor > size {
		return nil, fmt.Errorf("replication factor %d with %d nodes: %w",
			replicationFactor, size, errors.ErrInsufficientNodes)
	}

	m.mu.Lock()
	route, ok := m.routes[routeKey]
	if !ok {
		nodes := m.strategy.Routes(routeKey, replicationFactor)
		route = &Route{Key: routeKey, ISR: make(map[string]bool)}
		for _, n := range nodes {
			route.Replicas = append(route.Replicas, n.ID)
		}
		route.Leader = route.Replicas[0]
		m.routes[routeKey] = route

		log.Info("route added",
			"route", routeKey,
			"leader", route.Leader,
			"replicas", route.Replicas)
	}
	snapshot := route.clone()
	done := m.pushed[routeKey]
	m.mu.Unlock()

	if done {
		return snapshot, nil
	}
	if err := m.pushRoute(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// pushRoute sends AddReplica for route to every replica. Concurrent
// pushes of one placement share a single broadcast.
func (m *Manager) pushRoute(ctx context.Context, route *Route) error {
	_, err, _ := m.pushes.Do(route.Key+"\x00"+route.Leader, func() (any, error) {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range route.Replicas {
			id := id
			g.Go(func() error {
				return m.updateReplica(gctx, route, id)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if cur, ok := m.routes[route.Key]; ok && cur.Leader == route.Leader {
			m.pushed[route.Key] = true
		}
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// updateReplica tells replicaID where the leader of route is.
func (m *Manager) updateReplica(ctx context.Context, route *Route, replicaID string) error {
	leader, ok := m.node(route.Leader)
	if !ok {
		return fmt.Errorf("leader %s of %s: %w", route.Leader, route.Key, errors.ErrNotFound)
	}
	self, ok := m.node(replicaID)
	if !ok {
		return fmt.Errorf("replica %s of %s: %w", replicaID, route.Key, errors.ErrNotFound)
	}

	leaderHost, leaderPort, err := splitAddress(leader.Address)
	if err != nil {
		return err
	}
	replicaHost, replicaPort, err := splitAddress(self.Address)
	if err != nil {
		return err
	}

	p, err := m.peer(replicaID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	defer cancel()

	_, err = check(p.AddReplica(ctx, &wire.AddReplicaRequest{
		RouteKey:       route.Key,
		LeaderID:       route.Leader,
		LeaderAddress:  leaderHost,
		LeaderPort:     leaderPort,
		ReplicaID:      replicaID,
		ReplicaAddress: replicaHost,
		ReplicaPort:    replicaPort,
		ReplicaIDs:     route.Replicas,
	}))
	if err != nil {
		return fmt.Errorf("add replica %s of %s: %w", replicaID, route.Key, err)
	}
	return nil
}

// Route returns the coordinator's placement of routeKey.
func (m *Manager) Route(routeKey string) (*Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.routes[routeKey]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Routes returns every route of the coordinator ordered by key.
func (m *Manager) Routes() []*Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// UpdateIsr records which followers of routeKey are in sync. Only known
// replicas are updated.
func (m *Manager) UpdateIsr(routeKey string, isr map[string]bool) error {
	if !m.IsCoordinator() {
		return fmt.Errorf("update isr on %s: %w", m.opts.NodeID, errors.ErrNotLeader)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	route, ok := m.routes[routeKey]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrRouteNotFound, routeKey)
	}
	for id, inSync := range isr {
		if !slices.Contains(route.Replicas, id) {
			log.Warn("isr update for unknown replica", "route", routeKey, "node", id)
			continue
		}
		if prev, seen := route.ISR[id]; seen && prev != inSync {
			log.Info("isr changed", "route", routeKey, "node", id, "in_sync", inSync)
		}
		route.ISR[id] = inSync
	}
	return nil
}

// RemoveNode drops a node from placement. On the coordinator, routes led
// by the node are handed to their first in-sync follower, or to the first
// remaining replica when none is in sync, and every replica is told. Local
// followers of the node stop until a new leader is pushed.
func (m *Manager) RemoveNode(ctx context.Context, nodeID string) error {
	if nodeID == m.opts.NodeID {
		return fmt.Errorf("remove self: %w", errors.ErrInvalidArgument)
	}
	m.strategy.RemoveNode(nodeID)

	var changed []*Route
	if m.IsCoordinator() {
		m.mu.Lock()
		for key, route := range m.routes {
			if !slices.Contains(route.Replicas, nodeID) {
				continue
			}
			route.Replicas = remove(route.Replicas, nodeID)
			delete(route.ISR, nodeID)
			delete(m.pushed, key)

			if route.Leader == nodeID {
				if len(route.Replicas) == 0 {
					log.Error("route lost its last replica", "route", key, "node", nodeID)
					delete(m.routes, key)
					continue
				}

				leader := route.Replicas[0]
				for _, id := range route.Replicas {
					if route.ISR[id] {
						leader = id
						break
					}
				}
				route.Replicas = append([]string{leader}, remove(route.Replicas, leader)...)
				route.Leader = leader
				delete(route.ISR, leader)

				log.Info("route leader promoted",
					"route", key,
					"old_leader", nodeID,
					"leader", leader)
			}
			changed = append(changed, route.clone())
		}
		m.mu.Unlock()
	}

	m.topo.Lock()
	var stale []*Follower
	m.mu.Lock()
	for key, r := range m.replicas {
		r.replicas = remove(r.replicas, nodeID)
		if r.follower == nil {
			r.log.RemoveFollower(nodeID)
			continue
		}
		if r.leaderID == nodeID {
			stale = append(stale, r.follower)
			r.follower = nil
			log.Info("stopped following removed leader", "route", key, "leader", nodeID)
		}
	}
	m.mu.Unlock()
	for _, f := range stale {
		f.Stop()
	}
	m.topo.Unlock()

	var errs []error
	for _, route := range changed {
		if err := m.pushRoute(ctx, route); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Replicas
// =============================================================================

// AddReplica registers or updates a local replica of req.RouteKey. The
// route WAL is created on first use. When another node leads, a follower
// is started against it.
func (m *Manager) AddReplica(req *wire.AddReplicaRequest) error {
	if req.RouteKey == "" || req.LeaderID == "" {
		return errors.NewMissingField("route key and leader id")
	}
	leaderAddr := joinAddress(req.LeaderAddress, req.LeaderPort)

	m.topo.Lock()
	defer m.topo.Unlock()

	m.mu.Lock()
	r, ok := m.replicas[req.RouteKey]
	if !ok {
		w, err := wal.Open(m.walDir(req.RouteKey), m.opts.WAL)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("open wal of %s: %w", req.RouteKey, err)
		}
		r = &replica{routeKey: req.RouteKey, log: w}
		m.replicas[req.RouteKey] = r
	}
	r.replicas = slices.Clone(req.ReplicaIDs)

	if ok && r.leaderID == req.LeaderID && r.leaderAddr == leaderAddr &&
		(r.follower != nil || req.LeaderID == m.opts.NodeID) {
		m.mu.Unlock()
		return nil
	}

	old := r.follower
	r.follower = nil
	r.leaderID = req.LeaderID
	r.leaderAddr = leaderAddr
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	if req.LeaderID == m.opts.NodeID {
		r.log.SetExternalCommit(false)
		log.Info("leading route", "route", req.RouteKey, "replicas", req.ReplicaIDs)
		return nil
	}
	r.log.SetExternalCommit(true)

	leader, err := m.dialLeader(req.LeaderID, leaderAddr)
	if err != nil {
		return err
	}
	f := NewFollower(req.RouteKey, m.opts.NodeID, req.LeaderID, leader, r.log, m.applier, FollowerOptions{
		MaxFetchBytes: m.opts.MaxFetchBytes,
		EmptyWait:     m.opts.EmptyWait,
		ErrorWait:     m.opts.ErrorWait,
		RPCTimeout:    m.opts.RPCTimeout,
	})

	m.mu.Lock()
	r.follower = f
	m.mu.Unlock()
	f.Start()
	return nil
}

func (m *Manager) dialLeader(id, address string) (Peer, error) {
	if id == m.opts.NodeID {
		return m.local, nil
	}
	if m.dialer == nil {
		return nil, fmt.Errorf("no dialer for leader %s: %w", id, errors.ErrConnectionFailed)
	}
	return m.dialer.Dial(address)
}

func (m *Manager) walDir(routeKey string) string {
	return filepath.Join(m.opts.Dir, url.PathEscape(routeKey))
}

func (m *Manager) replica(routeKey string) (*replica, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[routeKey]
	return r, ok
}

// Leader returns the leader id of a local replica.
func (m *Manager) Leader(routeKey string) (string, bool) {
	r, ok := m.replica(routeKey)
	if !ok {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return r.leaderID, true
}

// WAL returns the WAL of a local replica.
func (m *Manager) WAL(routeKey string) (*wal.WAL, bool) {
	r, ok := m.replica(routeKey)
	if !ok {
		return nil, false
	}
	return r.log, true
}

// WriteData appends an encoded point batch to the route WAL and applies
// it to local storage. Only the leader accepts writes.
func (m *Manager) WriteData(routeKey string, payload []byte) error {
	r, ok := m.replica(routeKey)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrWALNotFound, routeKey)
	}
	if leader, _ := m.Leader(routeKey); leader != m.opts.NodeID {
		return fmt.Errorf("write %s on %s, leader is %s: %w",
			routeKey, m.opts.NodeID, leader, errors.ErrNotLeader)
	}

	points, err := wire.DecodePoints(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidArgument, err)
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	if _, err := r.log.Write(payload, false); err != nil {
		m.writeErrors.Add(1)
		return fmt.Errorf("append to wal of %s: %w", routeKey, err)
	}
	m.writes.Add(1)

	if _, err := m.applier.WritePoints(points); err != nil {
		return err
	}
	return nil
}

// Encode encodes points as one write batch.
func (m *Manager) Encode(points []types.Point) []byte {
	return wire.EncodePoints(points, m.opts.Compress)
}

// RequestBatchReplication returns the records of routeKey starting at
// offset. nodeID identifies the fetching follower.
func (m *Manager) RequestBatchReplication(routeKey, nodeID string, offset int64, maxBytes int) (*wal.ReadResult, error) {
	r, ok := m.replica(routeKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrWALNotFound, routeKey)
	}
	if maxBytes <= 0 {
		maxBytes = m.opts.MaxFetchBytes
	}
	return r.log.Read(nodeID, offset, maxBytes, m.opts.ReadCommitted)
}

// =============================================================================
// ISR reporting
// =============================================================================

func (m *Manager) isrLoop() {
	defer m.wg.Done()

	checkTicker := time.NewTicker(m.opts.ISRCheckInterval)
	defer checkTicker.Stop()
	pushTicker := time.NewTicker(m.opts.ISRPushInterval)
	defer pushTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-checkTicker.C:
			m.CheckISR()
		case <-pushTicker.C:
			m.PushISR(m.ctx)
		}
	}
}

// leading returns the local replicas this node leads.
func (m *Manager) leading() []*replica {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*replica
	for _, r := range m.replicas {
		if r.leaderID == m.opts.NodeID {
			out = append(out, r)
		}
	}
	return out
}

// CheckISR re-evaluates follower lag on every led route.
func (m *Manager) CheckISR() {
	for _, r := range m.leading() {
		if _, err := r.log.CheckISR(); err != nil {
			log.Warn("isr check failed", "route", r.routeKey, "error", err)
		}
	}
}

// PushISR reports the in-sync state of every follower of every led route
// to the coordinator. Followers that never fetched are reported out of
// sync.
func (m *Manager) PushISR(ctx context.Context) {
	leading := m.leading()
	if len(leading) == 0 {
		return
	}

	coordinator, err := m.Coordinator()
	if err != nil {
		log.Warn("isr push skipped", "error", err)
		return
	}

	for _, r := range leading {
		m.mu.RLock()
		ids := slices.Clone(r.replicas)
		m.mu.RUnlock()

		isr := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id != m.opts.NodeID {
				isr[id] = false
			}
		}
		if len(isr) == 0 {
			continue
		}
		for _, f := range r.log.Followers() {
			if _, ok := isr[f.NodeID]; ok {
				isr[f.NodeID] = f.InSync
			}
		}

		cctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
		_, err := check(coordinator.UpdateIsr(cctx, &wire.IsrUpdateRequest{RouteKey: r.routeKey, IsrMap: isr}))
		cancel()
		if err != nil {
			m.isrPushFails.Add(1)
			log.Warn("isr push failed", "route", r.routeKey, "error", err)
			continue
		}
		m.isrPushes.Add(1)
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats holds replication statistics of one node.
type Stats struct {
	Routes       int
	Replicas     int
	Leading      int
	Following    int
	Writes       int64
	WriteErrors  int64
	ISRPushes    int64
	ISRPushFails int64
	Followers    []FollowerStats
}

// Stats returns a snapshot of the replication statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Routes:       len(m.routes),
		Replicas:     len(m.replicas),
		Writes:       m.writes.Load(),
		WriteErrors:  m.writeErrors.Load(),
		ISRPushes:    m.isrPushes.Load(),
		ISRPushFails: m.isrPushFails.Load(),
	}
	for _, r := range m.replicas {
		switch {
		case r.leaderID == m.opts.NodeID:
			s.Leading++
		case r.follower != nil:
			s.Following++
			s.Followers = append(s.Followers, r.follower.Stats())
		}
	}
	sort.Slice(s.Followers, func(i, j int) bool { return s.Followers[i].RouteKey < s.Followers[j].RouteKey })
	return s
}

// remove returns a copy of ids without id.
func remove(ids []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(v string) bool { return v == id })
}
