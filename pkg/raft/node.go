// Package raft replicates the peer directory across a small cluster of
// directory nodes with hashicorp/raft. A Node is itself a directory.Directory:
// writes go through the leader's log, reads are served from the local FSM.
package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/fsm"
	"github.com/pixperk/peerlock/pkg/metrics"
	"github.com/pixperk/peerlock/pkg/storage"
	"github.com/pixperk/peerlock/pkg/types"
)

const applyTimeout = 5 * time.Second

// wraps a raft inst with the directory fsm
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	storage   *storage.BoltDBStorage
	transport *raft.NetworkTransport
	cfg       *Config
	log       hclog.Logger

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

type Config struct {
	NodeID    uuid.UUID    //unique ID for this node
	BindAddr  string       //net addr to bind Raft communication
	Advertise string       //addr other nodes dial, defaults to the bound listener
	DataDir   string       //data directory for Raft storage
	Bootstrap bool         //if this is the first node in the cluster
	Logger    hclog.Logger //shared with the raft library
}

var _ directory.Directory = (*Node)(nil)

func NewNode(cfg *Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("raft").With("node", cfg.NodeID.String())

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	store, err := storage.NewBoltDBStorage(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	var advertise net.Addr
	if cfg.Advertise != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.Advertise)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to resolve advertise addr: %w", err)
		}
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, store.LogStore, store.StableStore, store.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		//already bootstrapped on restart, the existing state wins
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			logger.Warn("bootstrap failed", "error", err)
		}
	}

	n := &Node{
		raft:      r,
		fsm:       raftFSM.GetFSM(),
		raftFSM:   raftFSM,
		storage:   store,
		transport: transport,
		cfg:       cfg,
		log:       logger,
		done:      make(chan struct{}),
	}
	go n.watchLeadership()

	return n, nil
}

func (n *Node) watchLeadership() {
	for {
		select {
		case <-n.done:
			return
		case leader := <-n.raft.LeaderCh():
			if leader {
				n.log.Info("acquired leadership")
				metrics.DirectoryIsLeader.Set(1)
			} else {
				n.log.Info("lost leadership")
				metrics.DirectoryIsLeader.Set(0)
			}
		}
	}
}

// apply a command to the Raft cluster
// only the leader accepts writes, followers answer with ErrNotLeader
func (n *Node) Apply(ctx context.Context, cmd fsm.Command) (any, error) {
	if !n.IsLeader() {
		return nil, n.notLeader()
	}

	data, err := fsm.Encode(cmd)
	if err != nil {
		return nil, err
	}

	timeout := applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, n.notLeader()
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	//the fsm hands domain errors back as the response
	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	metrics.DirectoryEntries.Set(float64(n.fsm.Stats().Entries))
	return resp, nil
}

func (n *Node) notLeader() error {
	return fmt.Errorf("%w: leader is at %q", types.ErrNotLeader, n.GetLeader())
}

func (n *Node) Register(ctx context.Context, name, addr string) error {
	_, err := n.Apply(ctx, fsm.RegisterCmd{Name: name, Address: addr})
	return err
}

func (n *Node) Remove(ctx context.Context, name string) error {
	_, err := n.Apply(ctx, fsm.RemoveCmd{Name: name})
	return err
}

// reads are local and may trail the leader by the replication lag
func (n *Node) Lookup(_ context.Context, name string) (string, error) {
	reg, ok := n.fsm.Lookup(name)
	if !ok {
		return "", fmt.Errorf("lookup %q: %w", name, types.ErrPeerNotFound)
	}
	return reg.Address, nil
}

func (n *Node) List(_ context.Context) (map[string]string, error) {
	regs := n.fsm.List()
	out := make(map[string]string, len(regs))
	for _, reg := range regs {
		out[reg.Name] = reg.Address
	}
	return out, nil
}

// adds a directory node to the cluster, leader only
func (n *Node) AddVoter(id, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	if err := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", id, err)
	}
	n.log.Info("added voter", "id", id, "addr", addr)
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

// address other nodes reach this node's raft transport at
func (n *Node) RaftAddr() string {
	return string(n.transport.LocalAddr())
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// forces a snapshot of the fsm
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// gracefully shuts down the Raft node and releases its stores, safe to call twice
func (n *Node) Shutdown() error {
	n.stopOnce.Do(func() {
		close(n.done)
		n.stopErr = n.raft.Shutdown().Error()
		if err := n.transport.Close(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		if err := n.storage.Close(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		metrics.DirectoryIsLeader.Set(0)
	})
	return n.stopErr
}
