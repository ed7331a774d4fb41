// Package natstransport emulates the peer protocol on a NATS broker.
// A peer's address is a subject prefix; requestAccess is a NATS request/reply,
// heartbeat and release are plain publishes. Payloads are protobuf
// well-known types and the sender id rides in a message header.
package natstransport

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
	nats "github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	PeerIDHeader = "Peerlock-Peer-Id"

	subjectHeartbeat = ".heartbeat"
	subjectRequest   = ".request"
	subjectRelease   = ".release"
)

// conventional address for a peer id
func Address(id types.PeerID) string {
	return "peerlock.peer." + string(id)
}

type Transport struct {
	conn *nats.Conn
	log  hclog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// the connection stays owned by the caller
func NewTransport(conn *nats.Conn, logger hclog.Logger) *Transport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Transport{conn: conn, log: logger.Named("nats-transport")}
}

func (t *Transport) RequestAccess(ctx context.Context, addr string, from types.PeerID, ts time.Time) (bool, error) {
	data, err := proto.Marshal(timestamppb.New(ts))
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	reply, err := t.conn.RequestMsgWithContext(ctx, newMsg(addr+subjectRequest, from, data))
	if err != nil {
		return false, fmt.Errorf("%w: request %s: %v", types.ErrTransport, addr, err)
	}

	var granted wrapperspb.BoolValue
	if err := proto.Unmarshal(reply.Data, &granted); err != nil {
		return false, fmt.Errorf("%w: decode reply from %s: %v", types.ErrTransport, addr, err)
	}
	return granted.GetValue(), nil
}

func (t *Transport) Heartbeat(_ context.Context, addr string, from types.PeerID) error {
	return t.publish(addr+subjectHeartbeat, from, nil)
}

func (t *Transport) Release(_ context.Context, addr string, from types.PeerID, ts time.Time) error {
	data, err := proto.Marshal(timestamppb.New(ts))
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	return t.publish(addr+subjectRelease, from, data)
}

func (t *Transport) publish(subject string, from types.PeerID, data []byte) error {
	if err := t.conn.PublishMsg(newMsg(subject, from, data)); err != nil {
		return fmt.Errorf("%w: publish %s: %v", types.ErrTransport, subject, err)
	}
	return nil
}

func (t *Transport) Close() error { return nil }

func newMsg(subject string, from types.PeerID, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(PeerIDHeader, string(from))
	msg.Data = data
	return msg
}

// inbound side, subscribed under one address prefix
type Server struct {
	handler transport.Handler
	log     hclog.Logger
	subs    []*nats.Subscription
}

func Serve(conn *nats.Conn, addr string, h transport.Handler, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{handler: h, log: logger.Named("nats-peer")}

	handlers := map[string]nats.MsgHandler{
		addr + subjectHeartbeat: s.onHeartbeat,
		addr + subjectRequest:   s.onRequest,
		addr + subjectRelease:   s.onRelease,
	}
	for subject, cb := range handlers {
		sub, err := conn.Subscribe(subject, cb)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		s.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return s, nil
}

func (s *Server) onHeartbeat(msg *nats.Msg) {
	from, ok := s.sender(msg)
	if !ok {
		return
	}
	s.handler.OnHeartbeat(from)
}

func (s *Server) onRequest(msg *nats.Msg) {
	from, ok := s.sender(msg)
	if !ok {
		return
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(msg.Data, &ts); err != nil || ts.CheckValid() != nil {
		s.log.Warn("dropping malformed request", "from", string(from))
		return
	}

	data, err := proto.Marshal(wrapperspb.Bool(s.handler.RequestAccess(from, ts.AsTime())))
	if err != nil {
		s.log.Error("marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("reply failed", "to", string(from), "error", err)
	}
}

func (s *Server) onRelease(msg *nats.Msg) {
	from, ok := s.sender(msg)
	if !ok {
		return
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(msg.Data, &ts); err != nil || ts.CheckValid() != nil {
		s.log.Warn("dropping malformed release", "from", string(from))
		return
	}
	s.handler.OnRelease(from, ts.AsTime())
}

func (s *Server) sender(msg *nats.Msg) (types.PeerID, bool) {
	id := msg.Header.Get(PeerIDHeader)
	if id == "" {
		s.log.Warn("dropping message without sender", "subject", msg.Subject)
		return "", false
	}
	return types.PeerID(id), true
}

func (s *Server) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}
