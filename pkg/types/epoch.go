package types

import "time"

// epoch is one request for the critical section
// created on RELEASED -> WANTED, consumed on WANTED -> HELD or abandonment
// quorum is a snapshot of the live peer count taken when the epoch starts
type Epoch struct {
	Timestamp time.Time
	Replies   int
	Quorum    int
}

// reports whether enough grants (explicit or implicit) have been counted
func (e Epoch) Satisfied() bool {
	return e.Replies >= e.Quorum
}

// read-only view of a peer, safe to hand out of the coordinator lock
type Status struct {
	ID            PeerID
	State         State
	Epoch         *Epoch // nil unless WANTED or HELD
	Pending       []PeerID
	LivePeers     map[PeerID]time.Time
	LeaseDeadline time.Time // zero when no lease is armed
}
