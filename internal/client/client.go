// Package client calls the replication RPCs of remote nodes.
//
// A Client owns one lazily dialed gRPC connection. The connection is
// re-created after it is reported unavailable. Pool hands out one Client
// per address and satisfies replication.Dialer.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/xtxerr/tsdb/config"
	"github.com/xtxerr/tsdb/internal/cluster/replication"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/server"
	tsdbsync "github.com/xtxerr/tsdb/internal/sync"
	"github.com/xtxerr/tsdb/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateIdle ClientState = iota
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// =============================================================================
// Client
// =============================================================================

// Options configures clients.
type Options struct {
	// Timeout bounds every call.
	Timeout time.Duration

	// MaxMessageSize limits one message in either direction.
	MaxMessageSize int
}

// DefaultOptions returns default client options.
func DefaultOptions() Options {
	return Options{
		Timeout:        config.DefaultRPCTimeout,
		MaxMessageSize: config.DefaultMaxMessageSize,
	}
}

// Client calls one remote node.
type Client struct {
	addr string
	opts Options

	mu   sync.Mutex
	conn *grpc.ClientConn

	state       atomic.Int32
	connectOnce tsdbsync.ResettableOnce

	calls    atomic.Int64
	failures atomic.Int64
}

var _ replication.Peer = (*Client)(nil)

// New creates a client for address. No connection is made until the
// first call.
func New(address string, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	return &Client{addr: address, opts: opts}
}

// Address returns the remote address.
func (c *Client) Address() string { return c.addr }

// State returns the connection state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

func (c *Client) connect() (*grpc.ClientConn, error) {
	err := c.connectOnce.DoWithError(func() error {
		if c.State() == StateClosed {
			return errors.ErrClosed
		}
		conn, err := grpc.NewClient(c.addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(
				grpc.ForceCodec(wire.Codec{}),
				grpc.MaxCallRecvMsgSize(c.opts.MaxMessageSize),
				grpc.MaxCallSendMsgSize(c.opts.MaxMessageSize),
			),
		)
		if err != nil {
			return fmt.Errorf("dial %s: %w: %w", c.addr, errors.ErrConnectionFailed, err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.state.CompareAndSwap(int32(StateIdle), int32(StateConnected))

		log.Debug("connection created", "address", c.addr)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if c.State() == StateClosed {
			return nil, fmt.Errorf("%s: %w", c.addr, errors.ErrClosed)
		}
		// dropped by a concurrent reset, the next call dials again
		return nil, fmt.Errorf("%s: connection reset: %w", c.addr, errors.ErrConnectionFailed)
	}
	return c.conn, nil
}

// reset drops the connection so the next call dials again.
func (c *Client) reset() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.state.CompareAndSwap(int32(StateConnected), int32(StateIdle))
	c.connectOnce.Reset()
}

// invoke performs one call bounded by the client timeout.
func (c *Client) invoke(ctx context.Context, name string, req, resp wire.Message) error {
	conn, err := c.connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	c.calls.Add(1)
	err = conn.Invoke(ctx, "/"+server.ServiceName+"/"+name, req, resp)
	if err == nil {
		return nil
	}

	c.failures.Add(1)
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s %s: %w", c.addr, name, errors.ErrTimeout)
	case codes.Unavailable:
		c.reset()
		return fmt.Errorf("%s %s: %w: %w", c.addr, name, errors.ErrConnectionFailed, err)
	case codes.Canceled:
		return fmt.Errorf("%s %s: %w", c.addr, name, context.Canceled)
	default:
		return fmt.Errorf("%s %s: %w", c.addr, name, err)
	}
}

func (c *Client) AddRoute(ctx context.Context, req *wire.AddRouteRequest) (*wire.AddRouteResponse, error) {
	resp := new(wire.AddRouteResponse)
	return resp, c.invoke(ctx, "AddRoute", req, resp)
}

func (c *Client) AddReplica(ctx context.Context, req *wire.AddReplicaRequest) (*wire.GenericResponse, error) {
	resp := new(wire.GenericResponse)
	return resp, c.invoke(ctx, "AddReplica", req, resp)
}

func (c *Client) WriteData(ctx context.Context, req *wire.WriteDataRequest) (*wire.GenericResponse, error) {
	resp := new(wire.GenericResponse)
	return resp, c.invoke(ctx, "WriteData", req, resp)
}

func (c *Client) RequestBatchReplication(ctx context.Context, req *wire.BatchDataRequest) (*wire.BatchDataResponse, error) {
	resp := new(wire.BatchDataResponse)
	return resp, c.invoke(ctx, "RequestBatchReplication", req, resp)
}

func (c *Client) UpdateIsr(ctx context.Context, req *wire.IsrUpdateRequest) (*wire.GenericResponse, error) {
	resp := new(wire.GenericResponse)
	return resp, c.invoke(ctx, "UpdateIsr", req, resp)
}

// Close closes the connection. Calls after Close fail with ErrClosed.
func (c *Client) Close() error {
	if ClientState(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Stats returns the number of calls and failed calls.
func (c *Client) Stats() (calls, failures int64) {
	return c.calls.Load(), c.failures.Load()
}

// =============================================================================
// Pool
// =============================================================================

// Pool keeps one client per address.
type Pool struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

var _ replication.Dialer = (*Pool)(nil)

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	return &Pool{opts: opts, clients: make(map[string]*Client)}
}

// Dial returns the client of address, creating it on first use.
func (p *Pool) Dial(address string) (replication.Peer, error) {
	return p.Client(address)
}

// Client returns the client of address, creating it on first use.
func (p *Pool) Client(address string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("client pool: %w", errors.ErrClosed)
	}
	c, ok := p.clients[address]
	if !ok {
		c = New(address, p.opts)
		p.clients[address] = c
	}
	return c, nil
}

// Close closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
