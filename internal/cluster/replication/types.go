// Package replication keeps route replicas in sync.
//
// Every route key (db/measurement) is owned by one leader and copied to
// followers. The leader appends each write batch to the route's WAL and
// applies it locally. Followers poll RequestBatchReplication from their
// own WAL tail, append the returned records to their WAL at the same
// offsets, and apply the decoded points to local storage without
// replicating them again. The coordinator node owns the route table and
// the in-sync replica (ISR) view reported by leaders.
package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	"github.com/xtxerr/tsdb/internal/wire"
)

var log = logging.Component("replication")

// Peer is the replication RPC surface of one node. Responses carry their
// own response code; a non-nil error means the call did not complete.
type Peer interface {
	AddRoute(ctx context.Context, req *wire.AddRouteRequest) (*wire.AddRouteResponse, error)
	AddReplica(ctx context.Context, req *wire.AddReplicaRequest) (*wire.GenericResponse, error)
	WriteData(ctx context.Context, req *wire.WriteDataRequest) (*wire.GenericResponse, error)
	RequestBatchReplication(ctx context.Context, req *wire.BatchDataRequest) (*wire.BatchDataResponse, error)
	UpdateIsr(ctx context.Context, req *wire.IsrUpdateRequest) (*wire.GenericResponse, error)
}

// Dialer returns the Peer listening on address.
type Dialer interface {
	Dial(address string) (Peer, error)
}

// Applier applies replicated points to local storage.
type Applier interface {
	WritePoints(points []types.Point) (int, error)
}

// check folds a transport error and a response code into one error.
func check[R wire.Response](resp R, err error) (R, error) {
	if err != nil {
		return resp, err
	}
	return resp, errors.CodeToError(resp.Code(), resp.Text())
}

// Options configures a Manager.
type Options struct {
	// NodeID identifies this node.
	NodeID string

	// Address is the advertised host:port of this node.
	Address string

	// Coordinator is the node id that owns the route table.
	Coordinator string

	// Dir holds one WAL directory per local replica.
	Dir string

	// WAL configures every route WAL.
	WAL wal.Options

	// ReplicationFactor is used when AddRoute is called without one.
	ReplicationFactor int

	// Compress snappy-compresses write batches.
	Compress bool

	// MaxFetchBytes caps one follower fetch.
	MaxFetchBytes int

	// ReadCommitted serves only committed records to followers.
	ReadCommitted bool

	// EmptyWait is the follower backoff after an empty fetch.
	EmptyWait time.Duration

	// ErrorWait is the follower backoff after a failed fetch.
	ErrorWait time.Duration

	// RPCTimeout bounds every outgoing call.
	RPCTimeout time.Duration

	// ISRCheckInterval is how often leaders evaluate follower lag.
	ISRCheckInterval time.Duration

	// ISRPushInterval is how often leaders report ISR state to the
	// coordinator.
	ISRPushInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.MaxFetchBytes <= 0 {
		o.MaxFetchBytes = 1 << 20
	}
	if o.EmptyWait <= 0 {
		o.EmptyWait = 2 * time.Second
	}
	if o.ErrorWait <= 0 {
		o.ErrorWait = time.Millisecond
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 30 * time.Second
	}
	if o.ISRCheckInterval <= 0 {
		o.ISRCheckInterval = 10 * time.Second
	}
	if o.ISRPushInterval <= 0 {
		o.ISRPushInterval = 10 * time.Second
	}
}

// Route is the coordinator's placement of one route key.
type Route struct {
	Key      string
	Leader   string
	Replicas []string        // leader first
	ISR      map[string]bool // follower id -> in sync
}

func (r *Route) clone() *Route {
	c := &Route{
		Key:      r.Key,
		Leader:   r.Leader,
		Replicas: append([]string(nil), r.Replicas...),
		ISR:      make(map[string]bool, len(r.ISR)),
	}
	for id, ok := range r.ISR {
		c.ISR[id] = ok
	}
	return c
}

// splitAddress splits host:port for the address and port message fields.
func splitAddress(address string) (string, int32, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: %w", address, errors.ErrInvalidArgument)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port in %q: %w", address, errors.ErrInvalidArgument)
	}
	return host, int32(p), nil
}

func joinAddress(host string, port int32) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
