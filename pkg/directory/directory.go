// Package directory is the naming service peers register their address with.
package directory

import (
	"context"
)

// name -> address registry consumed by the coordinator
// Lookup returns types.ErrPeerNotFound for unknown names
type Directory interface {
	Register(ctx context.Context, name, addr string) error
	Lookup(ctx context.Context, name string) (string, error)
	List(ctx context.Context) (map[string]string, error)
	Remove(ctx context.Context, name string) error
}
