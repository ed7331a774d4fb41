// Package memory is an in-process transport where every call is a direct
// method call on the target's handler. Addresses can be taken down or paused
// to simulate crashes and slow links.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
)

type Network struct {
	mu       sync.RWMutex
	handlers map[string]transport.Handler
	down     map[string]bool
	gates    map[string]chan struct{} // closed gate = deliveries flow
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]transport.Handler),
		down:     make(map[string]bool),
		gates:    make(map[string]chan struct{}),
	}
}

// binds h to addr, replacing any previous handler
func (n *Network) Listen(addr string, h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
	delete(n.down, addr)
}

// makes addr unreachable, calls to it fail as transport failures
func (n *Network) Down(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = true
}

func (n *Network) Up(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, addr)
}

// holds every delivery to addr until Resume, or until the caller's ctx ends
func (n *Network) Pause(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.gates[addr]; !ok {
		n.gates[addr] = make(chan struct{})
	}
}

func (n *Network) Resume(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if g, ok := n.gates[addr]; ok {
		close(g)
		delete(n.gates, addr)
	}
}

func (n *Network) Transport() *Transport {
	return &Transport{net: n}
}

func (n *Network) deliver(ctx context.Context, addr string) (transport.Handler, error) {
	n.mu.RLock()
	gate := n.gates[addr]
	n.mu.RUnlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", types.ErrTransport, addr, ctx.Err())
		}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[addr]
	if !ok || n.down[addr] {
		return nil, fmt.Errorf("%w: %s unreachable", types.ErrTransport, addr)
	}
	return h, nil
}

type Transport struct {
	net *Network
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) RequestAccess(ctx context.Context, addr string, from types.PeerID, ts time.Time) (bool, error) {
	h, err := t.net.deliver(ctx, addr)
	if err != nil {
		return false, err
	}
	return h.RequestAccess(from, ts), nil
}

func (t *Transport) Heartbeat(ctx context.Context, addr string, from types.PeerID) error {
	h, err := t.net.deliver(ctx, addr)
	if err != nil {
		return err
	}
	h.OnHeartbeat(from)
	return nil
}

func (t *Transport) Release(ctx context.Context, addr string, from types.PeerID, ts time.Time) error {
	h, err := t.net.deliver(ctx, addr)
	if err != nil {
		return err
	}
	h.OnRelease(from, ts)
	return nil
}

func (t *Transport) Close() error { return nil }
