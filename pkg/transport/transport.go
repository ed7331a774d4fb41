// Package transport defines the two call kinds peers use to talk to each other:
// request/response (RequestAccess) and one-way notices (Heartbeat, Release).
package transport

import (
	"context"
	"time"

	"github.com/pixperk/peerlock/pkg/types"
)

// outbound side, addr is whatever the peer registered in the directory
type Transport interface {
	// request/response, blocks until the remote peer answers or ctx is done
	RequestAccess(ctx context.Context, addr string, from types.PeerID, ts time.Time) (bool, error)

	// one-way, no reply is carried back
	// a returned error only means the notice could not be handed off
	Heartbeat(ctx context.Context, addr string, from types.PeerID) error
	Release(ctx context.Context, addr string, from types.PeerID, ts time.Time) error

	Close() error
}

// inbound side, served by every peer
type Handler interface {
	OnHeartbeat(from types.PeerID)
	RequestAccess(from types.PeerID, ts time.Time) bool
	// ts is the timestamp of the deferred request being granted
	OnRelease(from types.PeerID, ts time.Time)
}
