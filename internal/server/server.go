// Package server exposes the replication RPCs over gRPC.
//
// The service is registered from a hand-written ServiceDesc and every
// message goes through wire.Codec, so no generated stubs are involved.
// Handlers report failures in the response code; a gRPC status error only
// means the call itself failed (decode error, panic, shutdown).
package server

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xtxerr/tsdb/config"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/wire"
)

var log = logging.Component("server")

// ServiceName is the gRPC service of the replication RPCs.
const ServiceName = "tsdb.Replication"

// Handler serves the replication RPCs.
type Handler interface {
	AddRoute(ctx context.Context, req *wire.AddRouteRequest) (*wire.AddRouteResponse, error)
	AddReplica(ctx context.Context, req *wire.AddReplicaRequest) (*wire.GenericResponse, error)
	WriteData(ctx context.Context, req *wire.WriteDataRequest) (*wire.GenericResponse, error)
	RequestBatchReplication(ctx context.Context, req *wire.BatchDataRequest) (*wire.BatchDataResponse, error)
	UpdateIsr(ctx context.Context, req *wire.IsrUpdateRequest) (*wire.GenericResponse, error)
}

// method builds the descriptor of one unary RPC.
func method[Req any, Resp any](name string, call func(Handler, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			if interceptor == nil {
				resp, err := call(h, ctx, in)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				resp, err := call(h, ctx, req.(*Req))
				return resp, err
			})
		},
	}
}

// ServiceDesc describes the replication service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		method("AddRoute", Handler.AddRoute),
		method("AddReplica", Handler.AddReplica),
		method("WriteData", Handler.WriteData),
		method("RequestBatchReplication", Handler.RequestBatchReplication),
		method("UpdateIsr", Handler.UpdateIsr),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tsdb/replication",
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9928").
	Listen string

	// Handler serves the RPCs (required).
	Handler Handler

	// MaxMessageSize limits one message in either direction.
	MaxMessageSize int

	// DrainTimeout bounds the graceful stop.
	DrainTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Stats holds server statistics.
type Stats struct {
	Requests int64
	Failures int64
	Panics   int64
}

// Server serves the replication RPCs.
type Server struct {
	cfg      Config
	grpc     *grpc.Server
	listener net.Listener

	running atomic.Bool
	wg      sync.WaitGroup

	requests atomic.Int64
	failures atomic.Int64
	panics   atomic.Int64
}

// New creates a server.
func New(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("server: handler is required")
	}
	c := *cfg
	if c.Listen == "" {
		c.Listen = config.DefaultListenAddress
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = config.DefaultDrainTimeout
	}

	s := &Server{cfg: c}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.MaxRecvMsgSize(c.MaxMessageSize),
		grpc.MaxSendMsgSize(c.MaxMessageSize),
		grpc.UnaryInterceptor(s.intercept),
	)
	s.grpc.RegisterService(&ServiceDesc, c.Handler)
	return s, nil
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(ln); err != nil {
			log.Error("serve failed", "error", err)
		}
	}()

	log.Info("listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting calls and waits for in-flight calls up to the
// drain timeout.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	log.Info("shutting down")

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		log.Warn("drain timeout, closing open calls", "timeout", s.cfg.DrainTimeout)
		s.grpc.Stop()
		<-done
	}
	s.wg.Wait()

	log.Info("shutdown complete")
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Requests: s.requests.Load(),
		Failures: s.failures.Load(),
		Panics:   s.panics.Load(),
	}
}

// intercept counts calls, logs non-OK responses and turns handler panics
// into Internal status errors.
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	s.requests.Add(1)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error("handler panic",
				"method", info.FullMethod,
				"panic", r,
				"stack", string(debug.Stack()))
			resp, err = nil, status.Errorf(codes.Internal, "panic in %s", info.FullMethod)
		}
	}()

	resp, err = handler(ctx, req)
	if err != nil {
		s.failures.Add(1)
		return resp, err
	}

	if r, ok := resp.(wire.Response); ok && r.Code() != errors.CodeOK {
		s.failures.Add(1)
		log.Debug("request failed",
			"method", info.FullMethod,
			"code", r.Code(),
			"message", r.Text(),
			"duration", time.Since(start))
	}
	return resp, nil
}
