package grpctransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/internal/rpc"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// outbound side, one cached client connection per peer address
type Transport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
	log   hclog.Logger
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(logger hclog.Logger, opts ...grpc.DialOption) *Transport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Transport{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		log:   logger.Named("grpc-transport"),
	}
}

func (t *Transport) RequestAccess(ctx context.Context, addr string, from types.PeerID, ts time.Time) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := t.invoke(ctx, addr, from, methodRequestAccess, timestamppb.New(ts), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (t *Transport) Heartbeat(ctx context.Context, addr string, from types.PeerID) error {
	return t.invoke(ctx, addr, from, methodHeartbeat, &emptypb.Empty{}, new(emptypb.Empty))
}

func (t *Transport) Release(ctx context.Context, addr string, from types.PeerID, ts time.Time) error {
	return t.invoke(ctx, addr, from, methodRelease, timestamppb.New(ts), new(emptypb.Empty))
}

func (t *Transport) invoke(ctx context.Context, addr string, from types.PeerID, method string, in, out proto.Message) error {
	cc, err := t.conn(addr)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", types.ErrTransport, addr, err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, PeerIDHeader, string(from))
	if err := cc.Invoke(ctx, rpc.FullMethod(ServiceName, method), in, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrTransport, method, addr, err)
	}
	return nil
}

func (t *Transport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, t.opts...)
	if err != nil {
		return nil, err
	}
	t.log.Debug("opened connection", "addr", addr)
	t.conns[addr] = cc
	return cc, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for addr, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}
	return firstErr
}
