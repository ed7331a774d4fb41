package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixperk/peerlock/pkg/types"
)

// in-process directory, shared by every peer of a test or a single-host demo
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Register(_ context.Context, name, addr string) error {
	if name == "" || addr == "" {
		return fmt.Errorf("register %q: name and address required", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = addr
	return nil
}

func (m *Memory) Lookup(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.entries[name]
	if !ok {
		return "", fmt.Errorf("lookup %q: %w", name, types.ErrPeerNotFound)
	}
	return addr, nil
}

func (m *Memory) List(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

// removing an unknown name is not an error
func (m *Memory) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}
