// Package grpctransport carries the peer protocol over gRPC. The service is
// described by hand and uses protobuf well-known types as messages; the
// caller's peer id travels in the peerlock-peer-id metadata header.
package grpctransport

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/internal/rpc"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName  = "peerlock.v1.Peer"
	PeerIDHeader = "peerlock-peer-id"

	methodHeartbeat     = "Heartbeat"
	methodRequestAccess = "RequestAccess"
	methodRelease       = "Release"
)

type peerServer interface {
	Heartbeat(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	RequestAccess(context.Context, *timestamppb.Timestamp) (*wrapperspb.BoolValue, error)
	Release(context.Context, *timestamppb.Timestamp) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, methodHeartbeat, newEmpty, peerServer.Heartbeat),
		rpc.Unary(ServiceName, methodRequestAccess, newTimestamp, peerServer.RequestAccess),
		rpc.Unary(ServiceName, methodRelease, newTimestamp, peerServer.Release),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peerlock/v1/peer.proto",
}

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

func newTimestamp() *timestamppb.Timestamp { return new(timestamppb.Timestamp) }

// serves the peer protocol, dispatching into a transport.Handler
type Server struct {
	handler transport.Handler
	log     hclog.Logger
}

func NewServer(h transport.Handler, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		handler: h,
		log:     logger.Named("grpc-peer"),
	}
}

func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Heartbeat(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	from, err := peerID(ctx)
	if err != nil {
		return nil, err
	}
	s.handler.OnHeartbeat(from)
	return &emptypb.Empty{}, nil
}

func (s *Server) RequestAccess(ctx context.Context, req *timestamppb.Timestamp) (*wrapperspb.BoolValue, error) {
	from, err := peerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.CheckValid(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request timestamp: %v", err)
	}
	return wrapperspb.Bool(s.handler.RequestAccess(from, req.AsTime())), nil
}

func (s *Server) Release(ctx context.Context, req *timestamppb.Timestamp) (*emptypb.Empty, error) {
	from, err := peerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.CheckValid(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "release timestamp: %v", err)
	}
	s.handler.OnRelease(from, req.AsTime())
	return &emptypb.Empty{}, nil
}

func peerID(ctx context.Context) (types.PeerID, error) {
	id, err := rpc.IncomingHeader(ctx, PeerIDHeader)
	if err != nil {
		return "", err
	}
	return types.PeerID(id), nil
}
