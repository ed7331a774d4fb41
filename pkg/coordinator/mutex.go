package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/peerlock/pkg/metrics"
	"github.com/pixperk/peerlock/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// asks every live peer for permission to enter the critical section
// no-op unless RELEASED. blocks until the fan-out completes, each leg bounded by the transport timeout,
// and returns the state reached: HELD if the quorum granted, WANTED if deferred grants are still owed
func (c *Coordinator) Enter(ctx context.Context) (types.State, error) {
	_, st, err := c.enter(ctx)
	return st, err
}

func (c *Coordinator) enter(ctx context.Context) (*epoch, types.State, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Enter")
	defer span.End()

	c.mu.Lock()
	if c.state != types.StateReleased {
		st := c.state
		c.mu.Unlock()
		metrics.EnterTotal.WithLabelValues("rejected").Inc()
		return nil, st, types.ErrAlreadyRequested
	}

	peers := c.members.Live()
	ep := c.beginEpochLocked(peers)
	c.setStateLocked(types.StateWanted)
	c.log.Debug("requesting access", "quorum", ep.quorum, "timestamp", ep.timestamp)
	if ep.satisfied() {
		c.holdLocked(ep)
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("peerlock.quorum", ep.quorum))
	start := time.Now()

	// the fan-out is not cancellable once started, a leg that never answers
	// ends at its own timeout and counts as a grant
	legCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, peer := range peers {
		g.Go(func() error {
			granted, err := c.askPeer(legCtx, peer, ep.timestamp)

			c.mu.Lock()
			defer c.mu.Unlock()
			if c.epoch != ep {
				return nil
			}
			switch {
			case err != nil:
				c.log.Warn("request failed, counting implicit grant", "to", string(peer), "error", err)
				c.grantLocked(ep, peer)
			case granted:
				c.grantLocked(ep, peer)
			default:
				c.log.Debug("request deferred", "by", string(peer))
			}
			return nil
		})
	}
	_ = g.Wait()
	metrics.EnterDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	st := c.state
	if c.epoch == ep {
		span.SetAttributes(attribute.Int("peerlock.replies", ep.replies))
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.String("peerlock.state", st.String()))
	metrics.EnterTotal.WithLabelValues(outcome(st)).Inc()
	return ep, st, nil
}

func outcome(st types.State) string {
	switch st {
	case types.StateHeld:
		return "held"
	case types.StateWanted:
		return "wanted"
	default:
		return "released"
	}
}

// enters and waits until HELD
// if ctx ends first the request is abandoned and the deferred grants we owe are handed out.
// a nil return means the hold is still ours at the time Acquire returns
func (c *Coordinator) Acquire(ctx context.Context) error {
	ep, _, err := c.enter(ctx)
	if err != nil {
		return err
	}
	return c.await(ctx, ep)
}

func (c *Coordinator) await(ctx context.Context, ep *epoch) error {
	select {
	case <-ep.held:
		return c.stillHeld(ep)
	case <-ctx.Done():
	}

	if c.abandon(ep) {
		return ctx.Err()
	}
	// lost the race with the final grant
	select {
	case <-ep.held:
		return c.stillHeld(ep)
	default:
		return ctx.Err()
	}
}

// the lease may already have ended a hold nobody has observed yet
func (c *Coordinator) stillHeld(ep *epoch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != ep || c.state != types.StateHeld {
		return types.ErrLeaseExpired
	}
	return nil
}

func (c *Coordinator) beginEpochLocked(peers []types.PeerID) *epoch {
	c.seq++
	ep := &epoch{
		seq:       c.seq,
		timestamp: c.clock.Now(),
		quorum:    len(peers),
		awaiting:  make(map[types.PeerID]struct{}, len(peers)),
		granted:   make(map[types.PeerID]struct{}, len(peers)),
		held:      make(chan struct{}),
	}
	for _, p := range peers {
		ep.awaiting[p] = struct{}{}
	}
	c.epoch = ep
	return ep
}

// counts one grant from peer, explicit or implicit
// returns false when the grant does not belong to this epoch or was already counted
func (c *Coordinator) grantLocked(ep *epoch, peer types.PeerID) bool {
	if _, ok := ep.awaiting[peer]; !ok {
		return false
	}
	delete(ep.awaiting, peer)
	ep.granted[peer] = struct{}{}
	ep.replies++

	if c.state == types.StateWanted && ep.satisfied() {
		c.holdLocked(ep)
	}
	return true
}

// WANTED -> HELD, arms the lease
func (c *Coordinator) holdLocked(ep *epoch) {
	c.setStateLocked(types.StateHeld)
	close(ep.held)

	seq := ep.seq
	c.lease.Arm(c.clock.Now(), c.cfg.MonopolyLease, func() { c.expireLease(seq) })
	c.log.Info("critical section acquired", "quorum", ep.quorum, "replies", ep.replies, "lease", c.cfg.MonopolyLease)
}

func (c *Coordinator) askPeer(ctx context.Context, peer types.PeerID, ts time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.RequestAccess")
	defer span.End()
	span.SetAttributes(attribute.String("peerlock.peer", string(peer)))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransportTimeout)
	defer cancel()

	addr, err := c.dir.Lookup(ctx, string(peer))
	if err != nil {
		metrics.TransportFailureTotal.WithLabelValues("lookup").Inc()
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: lookup %s: %v", types.ErrTransport, peer, err)
	}

	granted, err := c.tr.RequestAccess(ctx, addr, c.id, ts)
	if err != nil {
		metrics.TransportFailureTotal.WithLabelValues("request_access").Inc()
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("peerlock.granted", granted))
	return granted, nil
}

// inbound request/response call
// grants unless HELD, or WANTED with our own request strictly earlier than the requester's.
// identical timestamps are granted, there is no secondary tie-break
func (c *Coordinator) RequestAccess(from types.PeerID, ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	busy := c.state == types.StateHeld ||
		(c.state == types.StateWanted && c.epoch != nil && c.epoch.timestamp.Before(ts))
	if busy {
		c.pending[from] = ts
		metrics.AccessDecisionTotal.WithLabelValues("defer").Inc()
		c.log.Debug("deferring request", "from", string(from), "state", c.state.String())
		return false
	}

	metrics.AccessDecisionTotal.WithLabelValues("grant").Inc()
	c.log.Debug("granting request", "from", string(from))
	return true
}

// inbound one-way call, a deferred grant from a peer that just left the critical section
// ts echoes the timestamp of the request being granted, releases for any other epoch are stale
func (c *Coordinator) OnRelease(from types.PeerID, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countReleaseLocked(from, ts); err != nil {
		metrics.ReleaseTotal.WithLabelValues("stale").Inc()
		c.log.Debug("discarding release", "from", string(from), "error", err)
		return
	}
	metrics.ReleaseTotal.WithLabelValues("counted").Inc()
}

func (c *Coordinator) countReleaseLocked(from types.PeerID, ts time.Time) error {
	ep := c.epoch
	if c.state != types.StateWanted || ep == nil {
		return fmt.Errorf("%w: state %s", types.ErrStaleReply, c.state)
	}
	if !ep.timestamp.Equal(ts) {
		return fmt.Errorf("%w: for request at %s", types.ErrStaleReply, ts)
	}
	if !c.grantLocked(ep, from) {
		return fmt.Errorf("%w: already counted", types.ErrStaleReply)
	}
	return nil
}

// leaves the critical section
// no-op unless HELD. cancels the lease and sends the deferred grants
func (c *Coordinator) Exit() error {
	ctx, span := tracer.Start(context.Background(), "Coordinator.Exit")
	defer span.End()

	c.mu.Lock()
	if c.state != types.StateHeld {
		c.mu.Unlock()
		return types.ErrNotHeld
	}
	c.lease.Disarm()
	deferred := c.releaseLocked()
	c.mu.Unlock()

	c.log.Info("critical section released", "deferred", len(deferred))
	c.sendReleases(ctx, deferred)
	return nil
}

// lease callback, forces a release of a hold that outlived the monopoly lease
func (c *Coordinator) expireLease(seq uint64) {
	c.mu.Lock()
	if c.state != types.StateHeld || c.epoch == nil || c.epoch.seq != seq {
		c.mu.Unlock()
		return
	}
	deferred := c.releaseLocked()
	c.mu.Unlock()

	metrics.LeaseExpireTotal.Inc()
	c.log.Warn("lease expired, forcing release", "lease", c.cfg.MonopolyLease, "deferred", len(deferred))
	c.sendReleases(context.Background(), deferred)
}

// drops a WANTED epoch that never reached HELD
// returns false if ep is no longer the active request or already reached HELD
func (c *Coordinator) abandon(ep *epoch) bool {
	c.mu.Lock()
	if c.epoch != ep || c.state != types.StateWanted {
		c.mu.Unlock()
		return false
	}
	deferred := c.releaseLocked()
	c.mu.Unlock()

	c.log.Info("request abandoned", "replies", ep.replies, "quorum", ep.quorum)
	c.sendReleases(context.Background(), deferred)
	return true
}

// any state -> RELEASED, returns the deferred requests to be granted
func (c *Coordinator) releaseLocked() map[types.PeerID]time.Time {
	deferred := c.pending
	c.pending = make(map[types.PeerID]time.Time)
	c.epoch = nil
	c.setStateLocked(types.StateReleased)
	return deferred
}

// hands out deferred grants, one-way and best effort
func (c *Coordinator) sendReleases(ctx context.Context, deferred map[types.PeerID]time.Time) {
	var g errgroup.Group
	for peer, ts := range deferred {
		g.Go(func() error {
			if err := c.notify(ctx, peer, func(ctx context.Context, addr string) error {
				return c.tr.Release(ctx, addr, c.id, ts)
			}); err != nil {
				metrics.TransportFailureTotal.WithLabelValues("release").Inc()
				c.log.Warn("release notice failed", "to", string(peer), "error", err)
				return nil
			}
			metrics.ReleaseTotal.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// resolves peer and runs a one-way call against it within the transport timeout
func (c *Coordinator) notify(ctx context.Context, peer types.PeerID, call func(context.Context, string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransportTimeout)
	defer cancel()

	addr, err := c.dir.Lookup(ctx, string(peer))
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %v", types.ErrTransport, peer, err)
	}
	return call(ctx, addr)
}
