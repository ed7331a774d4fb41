package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/peerlock/pkg/metrics"
	"github.com/pixperk/peerlock/pkg/types"
	"golang.org/x/sync/errgroup"
)

// inbound one-way call, the sender is alive as of now
func (c *Coordinator) OnHeartbeat(from types.PeerID) {
	if from == c.id {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.members.Touch(from, c.clock.Now()) {
		c.log.Info("peer joined", "id", string(from))
		metrics.PeersLive.Set(float64(c.members.Len()))
	}
	metrics.HeartbeatTotal.WithLabelValues("received", "success").Inc()
}

// one heartbeat round: evict silent peers, then announce ourselves to the survivors
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	c.evictLocked(c.clock.Now())
	peers := c.members.Live()
	c.mu.Unlock()

	c.announce(ctx, peers)
}

func (c *Coordinator) evictLocked(now time.Time) {
	evicted := c.members.Evict(now, c.cfg.PeerTimeout)
	if len(evicted) == 0 {
		return
	}
	metrics.PeerEvictionTotal.Add(float64(len(evicted)))
	metrics.PeersLive.Set(float64(c.members.Len()))

	ep := c.epoch
	for _, id := range evicted {
		c.log.Warn("peer has died", "id", string(id), "timeout", c.cfg.PeerTimeout)
		delete(c.pending, id)

		// a dead peer must never block entry, it leaves the quorum of the pending request
		if c.state == types.StateWanted && ep != nil {
			if _, waiting := ep.awaiting[id]; waiting {
				delete(ep.awaiting, id)
				ep.quorum--
			}
		}
	}

	if c.state == types.StateWanted && ep != nil && ep.satisfied() {
		c.log.Info("quorum shrank after eviction", "quorum", ep.quorum, "replies", ep.replies)
		c.holdLocked(ep)
	}
}

// best effort, failures are left to the receiver's eviction
func (c *Coordinator) announce(ctx context.Context, peers []types.PeerID) {
	var g errgroup.Group
	for _, peer := range peers {
		g.Go(func() error {
			err := c.notify(ctx, peer, func(ctx context.Context, addr string) error {
				return c.tr.Heartbeat(ctx, addr, c.id)
			})
			if err != nil {
				metrics.HeartbeatTotal.WithLabelValues("sent", "failure").Inc()
				c.log.Debug("heartbeat failed", "to", string(peer), "error", err)
				return nil
			}
			metrics.HeartbeatTotal.WithLabelValues("sent", "success").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// heartbeat loop, ticks every heartbeat interval until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// registers this peer under its id and seeds membership from the directory
// every listed peer starts out live, the first tick past the peer timeout weeds out stale registrations
func (c *Coordinator) Join(ctx context.Context, addr string) error {
	if err := c.dir.Register(ctx, string(c.id), addr); err != nil {
		return fmt.Errorf("register %s: %w", c.id, err)
	}

	names, err := c.dir.List(ctx)
	if err != nil {
		// never leave a name behind for a peer that did not join
		if rerr := c.dir.Remove(ctx, string(c.id)); rerr != nil {
			c.log.Warn("failed to deregister after join error", "error", rerr)
		}
		return fmt.Errorf("list peers: %w", err)
	}

	c.mu.Lock()
	now := c.clock.Now()
	for name := range names {
		if types.PeerID(name) == c.id {
			continue
		}
		c.members.Touch(types.PeerID(name), now)
	}
	peers := c.members.Live()
	metrics.PeersLive.Set(float64(len(peers)))
	c.mu.Unlock()

	c.log.Info("joined", "addr", addr, "peers", len(peers))
	c.announce(ctx, peers)
	return nil
}

// leaves the group: releases or abandons any request, then deregisters
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	st, ep := c.state, c.epoch
	c.mu.Unlock()

	switch st {
	case types.StateHeld:
		_ = c.Exit()
	case types.StateWanted:
		c.abandon(ep)
	}

	if err := c.dir.Remove(ctx, string(c.id)); err != nil {
		return fmt.Errorf("deregister %s: %w", c.id, err)
	}
	c.log.Info("left")
	return nil
}
