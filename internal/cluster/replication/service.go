package replication

import (
	"context"
	"log/slog"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/wal"
	"github.com/xtxerr/tsdb/internal/wire"
)

const (
	// MsgWALNotFound is the WriteData message of a node without the route.
	MsgWALNotFound = "Wal not found on node"

	// MsgOffsetOutOfRange answers a fetch offset that is not a record
	// boundary of the leader log. NextOffset carries the boundary the
	// follower truncates to.
	MsgOffsetOutOfRange = "Offset out of range"
)

// Service serves the replication RPCs of a Manager. Failures are
// reported through the response code, never as a call error.
type Service struct {
	m *Manager
}

// NewService creates the RPC handler of m.
func NewService(m *Manager) *Service {
	return &Service{m: m}
}

// requestLog returns the logger of one RPC on routeKey.
func requestLog(ctx context.Context, routeKey string) *slog.Logger {
	ctx = logging.WithComponent(ctx, "replication")
	return logging.FromContext(logging.WithRouteKey(ctx, routeKey))
}

func (s *Service) AddRoute(ctx context.Context, req *wire.AddRouteRequest) (*wire.AddRouteResponse, error) {
	route, err := s.m.AddRoute(ctx, req.RouteKey, int(req.ReplicationFactor))
	if err != nil {
		requestLog(ctx, req.RouteKey).Warn("add route failed", "error", err)
		return &wire.AddRouteResponse{ResponseCode: errors.ErrorToCode(err), Message: err.Error()}, nil
	}
	return &wire.AddRouteResponse{
		ResponseCode: errors.CodeOK,
		LeaderID:     route.Leader,
		ReplicaIDs:   route.Replicas,
	}, nil
}

func (s *Service) AddReplica(ctx context.Context, req *wire.AddReplicaRequest) (*wire.GenericResponse, error) {
	if err := s.m.AddReplica(req); err != nil {
		requestLog(ctx, req.RouteKey).Warn("add replica failed", "leader", req.LeaderID, "error", err)
		return genericError(err), nil
	}
	return &wire.GenericResponse{ResponseCode: errors.CodeOK}, nil
}

func (s *Service) WriteData(ctx context.Context, req *wire.WriteDataRequest) (*wire.GenericResponse, error) {
	err := s.m.WriteData(req.RouteKey, req.Data)
	switch {
	case err == nil:
		return &wire.GenericResponse{ResponseCode: errors.CodeOK}, nil
	case errors.Is(err, errors.ErrWALNotFound):
		// a write to a route this node does not hold is a bad request
		return &wire.GenericResponse{ResponseCode: errors.CodeBadRequest, Message: MsgWALNotFound}, nil
	default:
		if !errors.IsRejected(err) {
			requestLog(ctx, req.RouteKey).Error("write data failed", "error", err)
		}
		return genericError(err), nil
	}
}

func (s *Service) RequestBatchReplication(ctx context.Context, req *wire.BatchDataRequest) (*wire.BatchDataResponse, error) {
	result, err := s.m.RequestBatchReplication(req.RouteKey, req.NodeID, req.Offset, int(req.MaxBytes))
	if err == nil {
		return &wire.BatchDataResponse{
			ResponseCode: errors.CodeOK,
			Data:         result.Data,
			NextOffset:   result.NextOffset,
			CommitOffset: result.CommitOffset,
		}, nil
	}

	ctx = logging.WithOffset(logging.WithNodeID(ctx, req.NodeID), req.Offset)
	var oor *wal.OutOfRangeError
	switch {
	case errors.Is(err, errors.ErrWALNotFound):
		return &wire.BatchDataResponse{ResponseCode: errors.CodeNotFound, Message: err.Error(), NextOffset: -1}, nil
	case errors.As(err, &oor):
		requestLog(ctx, req.RouteKey).Warn("fetch offset out of range", "boundary", oor.Boundary)
		return &wire.BatchDataResponse{
			ResponseCode: errors.CodeBadRequest,
			Message:      MsgOffsetOutOfRange,
			NextOffset:   oor.Boundary,
		}, nil
	default:
		requestLog(ctx, req.RouteKey).Error("batch replication failed", "error", err)
		return &wire.BatchDataResponse{ResponseCode: errors.ErrorToCode(err), Message: err.Error()}, nil
	}
}

func (s *Service) UpdateIsr(ctx context.Context, req *wire.IsrUpdateRequest) (*wire.GenericResponse, error) {
	if err := s.m.UpdateIsr(req.RouteKey, req.IsrMap); err != nil {
		requestLog(ctx, req.RouteKey).Error("update isr failed", "error", err)
		return &wire.GenericResponse{ResponseCode: errors.CodeInternal, Message: err.Error()}, nil
	}
	return &wire.GenericResponse{ResponseCode: errors.CodeOK}, nil
}

func genericError(err error) *wire.GenericResponse {
	return &wire.GenericResponse{ResponseCode: errors.ErrorToCode(err), Message: err.Error()}
}
