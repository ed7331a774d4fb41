// Package coordinator implements the peer side of a Ricart–Agrawala style
// mutual exclusion protocol: a RELEASED/WANTED/HELD state machine driven by
// request/defer/grant messages, a heartbeat membership table that sizes the
// quorum, and a lease that bounds every hold.
//
// All mutable state of a peer sits behind a single lock. Remote calls are
// always issued with that lock released.
package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/lease"
	"github.com/pixperk/peerlock/pkg/membership"
	"github.com/pixperk/peerlock/pkg/metrics"
	ptime "github.com/pixperk/peerlock/pkg/time"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/pixperk/peerlock/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer = otel.Tracer("github.com/pixperk/peerlock/pkg/coordinator")

// one request for the critical section, from WANTED until RELEASED
type epoch struct {
	seq       uint64
	timestamp time.Time
	quorum    int
	replies   int

	// peers asked in the fan-out that have not granted yet,
	// a grant from anyone outside this set is stale
	awaiting map[types.PeerID]struct{}
	granted  map[types.PeerID]struct{}

	held chan struct{} // closed on WANTED -> HELD
}

func (e *epoch) satisfied() bool {
	return e.replies >= e.quorum
}

func (e *epoch) view() *types.Epoch {
	return &types.Epoch{
		Timestamp: e.timestamp,
		Replies:   e.replies,
		Quorum:    e.quorum,
	}
}

type Coordinator struct {
	id    types.PeerID
	cfg   Config
	dir   directory.Directory
	tr    transport.Transport
	clock ptime.Clock
	log   hclog.Logger

	mu      sync.Mutex
	state   types.State
	epoch   *epoch
	seq     uint64
	pending map[types.PeerID]time.Time // deferred requester -> timestamp of its request
	members *membership.Table
	lease   *lease.Timer
}

type Option func(*Coordinator)

func WithClock(c ptime.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l hclog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

var _ transport.Handler = (*Coordinator)(nil)

func New(id types.PeerID, tr transport.Transport, dir directory.Directory, cfg Config, opts ...Option) (*Coordinator, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: peer id required", types.ErrInvalidConfig)
	}
	if tr == nil || dir == nil {
		return nil, fmt.Errorf("%w: transport and directory required", types.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		id:      id,
		cfg:     cfg,
		dir:     dir,
		tr:      tr,
		clock:   ptime.NewSystemClock(),
		log:     hclog.NewNullLogger(),
		state:   types.StateReleased,
		pending: make(map[types.PeerID]time.Time),
		members: membership.NewTable(),
		lease:   lease.NewTimer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("coordinator").With("peer", string(id))

	return c, nil
}

func (c *Coordinator) ID() types.PeerID { return c.id }

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) State() types.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := types.Status{
		ID:            c.id,
		State:         c.state,
		LivePeers:     c.members.Snapshot(),
		LeaseDeadline: c.lease.Deadline(),
	}
	if c.epoch != nil {
		st.Epoch = c.epoch.view()
	}
	for id := range c.pending {
		st.Pending = append(st.Pending, id)
	}
	sort.Slice(st.Pending, func(i, j int) bool { return st.Pending[i] < st.Pending[j] })
	return st
}

// peers currently considered live, sorted
func (c *Coordinator) Peers() []types.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members.Live()
}

func (c *Coordinator) setStateLocked(s types.State) {
	if c.state == s {
		return
	}
	c.log.Info("state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	metrics.MutexState.Set(float64(s))
}
