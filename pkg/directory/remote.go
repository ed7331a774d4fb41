package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixperk/peerlock/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pixperk/peerlock/pkg/types"
)

// wire contract of the peerlock.v1.Directory gRPC service, served by pkg/server
const (
	ServiceName = "peerlock.v1.Directory"

	MethodRegister = "Register" // structpb.Struct{name, address} -> Empty
	MethodLookup   = "Lookup"   // StringValue(name) -> StringValue(address)
	MethodList     = "List"     // Empty -> structpb.Struct{name: address}
	MethodRemove   = "Remove"   // StringValue(name) -> Empty
	MethodJoin     = "Join"     // structpb.Struct{node_id, raft_address} -> Empty
	MethodStatus   = "Status"   // Empty -> structpb.Struct

	FieldName        = "name"
	FieldAddress     = "address"
	FieldNodeID      = "node_id"
	FieldRaftAddress = "raft_address"
)

// client for a directory served over gRPC
type Remote struct {
	conn *grpc.ClientConn
}

var _ Directory = (*Remote)(nil)

func DialRemote(addr string, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Remote{conn: conn}, nil
}

func (r *Remote) Register(ctx context.Context, name, addr string) error {
	req, err := structpb.NewStruct(map[string]any{
		FieldName:    name,
		FieldAddress: addr,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return remoteError(r.invoke(ctx, MethodRegister, req, new(emptypb.Empty)))
}

func (r *Remote) Lookup(ctx context.Context, name string) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := r.invoke(ctx, MethodLookup, wrapperspb.String(name), out); err != nil {
		return "", fmt.Errorf("lookup %q: %w", name, remoteError(err))
	}
	return out.GetValue(), nil
}

func (r *Remote) List(ctx context.Context) (map[string]string, error) {
	out := new(structpb.Struct)
	if err := r.invoke(ctx, MethodList, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("list: %w", remoteError(err))
	}
	entries := make(map[string]string, len(out.GetFields()))
	for name, v := range out.GetFields() {
		entries[name] = v.GetStringValue()
	}
	return entries, nil
}

func (r *Remote) Remove(ctx context.Context, name string) error {
	return remoteError(r.invoke(ctx, MethodRemove, wrapperspb.String(name), new(emptypb.Empty)))
}

// asks the directory leader to add a raft voter
func (r *Remote) Join(ctx context.Context, nodeID, raftAddr string) error {
	req, err := structpb.NewStruct(map[string]any{
		FieldNodeID:      nodeID,
		FieldRaftAddress: raftAddr,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", nodeID, err)
	}
	return remoteError(r.invoke(ctx, MethodJoin, req, new(emptypb.Empty)))
}

// node level status of the serving directory, keys depend on the backend
func (r *Remote) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := r.invoke(ctx, MethodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, remoteError(err)
	}
	return out.AsMap(), nil
}

// maps status codes back onto directory errors
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch {
	case st.Code() == codes.NotFound:
		return fmt.Errorf("%w: %s", types.ErrPeerNotFound, st.Message())
	case st.Code() == codes.Unavailable && strings.HasPrefix(st.Message(), types.ErrNotLeader.Error()):
		return fmt.Errorf("%w%s", types.ErrNotLeader, strings.TrimPrefix(st.Message(), types.ErrNotLeader.Error()))
	case st.Code() == codes.InvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, st.Message())
	default:
		return err
	}
}

func (r *Remote) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return r.conn.Invoke(ctx, rpc.FullMethod(ServiceName, method), in, out)
}

func (r *Remote) Close() error {
	return r.conn.Close()
}
