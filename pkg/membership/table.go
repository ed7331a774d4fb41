package membership

import (
	"sort"
	"time"

	"github.com/pixperk/peerlock/pkg/types"
)

// one known peer and the last time we heard from it
type Entry struct {
	Peer          types.PeerID
	LastHeartbeat time.Time
}

// table of live peers driving quorum size and eviction
// not safe for concurrent use, the owning coordinator guards it with its own lock
type Table struct {
	entries map[types.PeerID]*Entry
}

func NewTable() *Table {
	return &Table{
		entries: make(map[types.PeerID]*Entry),
	}
}

// upserts the heartbeat timestamp for id
// monotonic: an older timestamp never overwrites a newer one
// returns true when the peer was not known before
func (t *Table) Touch(id types.PeerID, at time.Time) bool {
	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &Entry{Peer: id, LastHeartbeat: at}
		return true
	}
	if at.After(e.LastHeartbeat) {
		e.LastHeartbeat = at
	}
	return false
}

// removes every peer silent for longer than timeout and returns their ids, sorted
func (t *Table) Evict(now time.Time, timeout time.Duration) []types.PeerID {
	var evicted []types.PeerID
	for id, e := range t.entries {
		if now.Sub(e.LastHeartbeat) > timeout {
			evicted = append(evicted, id)
			delete(t.entries, id)
		}
	}
	sortIDs(evicted)
	return evicted
}

func (t *Table) Remove(id types.PeerID) {
	delete(t.entries, id)
}

func (t *Table) Get(id types.PeerID) (Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Table) Contains(id types.PeerID) bool {
	_, ok := t.entries[id]
	return ok
}

// ids of all live peers, sorted for deterministic fan-out order
func (t *Table) Live() []types.PeerID {
	ids := make([]types.PeerID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (t *Table) Len() int {
	return len(t.entries)
}

// copy of the table, safe to hand out
func (t *Table) Snapshot() map[types.PeerID]time.Time {
	out := make(map[types.PeerID]time.Time, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.LastHeartbeat
	}
	return out
}

func sortIDs(ids []types.PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
