package types

// opaque identifier a peer registers under in the directory
// lives for the whole process lifetime
type PeerID string

func (p PeerID) String() string { return string(p) }

// mutual exclusion state of a single peer
// exactly one value at any instant
type State uint8

const (
	StateReleased State = iota
	StateWanted
	StateHeld
)

func (s State) String() string {
	switch s {
	case StateReleased:
		return "RELEASED"
	case StateWanted:
		return "WANTED"
	case StateHeld:
		return "HELD"
	default:
		return "UNKNOWN"
	}
}
