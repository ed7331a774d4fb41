// Package server exposes a directory.Directory as the peerlock.v1.Directory
// gRPC service. When the backend is a raft node the service also accepts
// cluster joins and reports raft status.
package server

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/internal/rpc"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type directoryServer interface {
	Register(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Lookup(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	List(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Remove(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Join(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: directory.ServiceName,
	HandlerType: (*directoryServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(directory.ServiceName, directory.MethodRegister, newStruct, directoryServer.Register),
		rpc.Unary(directory.ServiceName, directory.MethodLookup, newString, directoryServer.Lookup),
		rpc.Unary(directory.ServiceName, directory.MethodList, newEmpty, directoryServer.List),
		rpc.Unary(directory.ServiceName, directory.MethodRemove, newString, directoryServer.Remove),
		rpc.Unary(directory.ServiceName, directory.MethodJoin, newStruct, directoryServer.Join),
		rpc.Unary(directory.ServiceName, directory.MethodStatus, newEmpty, directoryServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peerlock/v1/directory.proto",
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }

func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

type Server struct {
	dir directory.Directory
	log hclog.Logger
}

// wraps a directory into a gRPC server
func NewServer(dir directory.Directory, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		dir: dir,
		log: logger.Named("directory-server"),
	}
}

func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	name := req.GetFields()[directory.FieldName].GetStringValue()
	addr := req.GetFields()[directory.FieldAddress].GetStringValue()

	//validate request
	if name == "" || addr == "" {
		return nil, status.Error(codes.InvalidArgument, "name and address required")
	}

	if err := s.dir.Register(ctx, name, addr); err != nil {
		return nil, toGRPCError(err)
	}
	s.log.Debug("registered", "name", name, "address", addr)
	return &emptypb.Empty{}, nil
}

func (s *Server) Lookup(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}

	addr, err := s.dir.Lookup(ctx, req.GetValue())
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.String(addr), nil
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.dir.List(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(entries))}
	for name, addr := range entries {
		out.Fields[name] = structpb.NewStringValue(addr)
	}
	return out, nil
}

func (s *Server) Remove(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}

	if err := s.dir.Remove(ctx, req.GetValue()); err != nil {
		return nil, toGRPCError(err)
	}
	s.log.Debug("removed", "name", req.GetValue())
	return &emptypb.Empty{}, nil
}

// adds a directory node as a raft voter, only served by a raft backed directory
func (s *Server) Join(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	node, ok := s.dir.(*raft.Node)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "directory is not replicated")
	}

	id := req.GetFields()[directory.FieldNodeID].GetStringValue()
	addr := req.GetFields()[directory.FieldRaftAddress].GetStringValue()
	if id == "" || addr == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id and raft_address required")
	}

	if err := node.AddVoter(id, addr); err != nil {
		return nil, toGRPCError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	node, ok := s.dir.(*raft.Node)
	if !ok {
		entries, err := s.dir.List(ctx)
		if err != nil {
			return nil, toGRPCError(err)
		}
		return structpb.NewStruct(map[string]any{
			"entries": len(entries),
		})
	}

	stats := node.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"node_id":        node.GetNodeID().String(),
		"is_leader":      node.IsLeader(),
		"leader_address": node.GetLeader(),
		"state":          node.GetState().String(),
		"entries":        stats.Entries,
		"revision":       stats.Revision,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return out, nil
}

func (s *Server) RegisterService(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}
