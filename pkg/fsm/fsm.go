package fsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/peerlock/pkg/types"
)

// one directory entry
type Registration struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Revision uint64 `json:"revision"` // revision of the write that produced this entry
}

// replicated name -> address table
// critical :
// - revisions are strictly monotonic across all writes
// - apply is deterministic, every replica reaches the same table
type FSM struct {
	mu sync.RWMutex

	entries  map[string]*Registration
	revision uint64
}

func NewFSM() *FSM {
	return &FSM{
		entries: make(map[string]*Registration),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case RegisterCmd:
		return f.applyRegister(c)
	case RemoveCmd:
		return f.applyRemove(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a name is registered
type RegisterResponse struct {
	Revision uint64
}

func (f *FSM) applyRegister(cmd RegisterCmd) (any, error) {
	if cmd.Name == "" || cmd.Address == "" {
		return nil, fmt.Errorf("%w: name and address required", types.ErrInvalidConfig)
	}

	f.revision++
	f.entries[cmd.Name] = &Registration{
		Name:     cmd.Name,
		Address:  cmd.Address,
		Revision: f.revision,
	}

	return RegisterResponse{Revision: f.revision}, nil
}

// returned when a name is removed
type RemoveResponse struct {
	Removed bool
}

// removing an unknown name succeeds with Removed false
func (f *FSM) applyRemove(cmd RemoveCmd) (any, error) {
	if _, ok := f.entries[cmd.Name]; !ok {
		return RemoveResponse{Removed: false}, nil
	}

	f.revision++
	delete(f.entries, cmd.Name)
	return RemoveResponse{Removed: true}, nil
}

func (f *FSM) Lookup(name string) (Registration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	reg, ok := f.entries[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// all registrations sorted by name
func (f *FSM) List() []Registration {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Registration, 0, len(f.entries))
	for _, reg := range f.entries {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// current fsm stats
type Stats struct {
	Entries  int
	Revision uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Entries:  len(f.entries),
		Revision: f.revision,
	}
}
