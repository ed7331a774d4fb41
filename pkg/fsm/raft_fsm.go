package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

// errors are returned as the apply response, raft only fails the future on replication problems
func (rf *RaftFSM) Apply(log *raft.Log) any {
	cmd, err := Decode(log.Data)
	if err != nil {
		return err
	}

	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}
	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Entries:  make(map[string]*Registration, len(rf.fsm.entries)),
		Revision: rf.fsm.revision,
	}

	for name, reg := range rf.fsm.entries {
		regCopy := *reg
		snapshot.Entries[name] = &regCopy
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]*Registration)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.entries = snap.Entries
	rf.fsm.revision = snap.Revision

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Entries  map[string]*Registration `json:"entries"`
	Revision uint64                   `json:"revision"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close()
}

// nothing to clean up
func (s *fsmSnapshot) Release() {}
