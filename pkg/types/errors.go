package types

import "errors"

var (
	// Protocol errors
	ErrAlreadyRequested = errors.New("critical section already requested or held")
	ErrNotHeld          = errors.New("critical section is not held")
	ErrStaleReply       = errors.New("reply does not match the current request epoch")
	ErrLeaseExpired     = errors.New("hold ended by lease expiry before it was observed")

	// Transport errors
	ErrTransport = errors.New("transport failure")

	// Directory errors
	ErrPeerNotFound = errors.New("peer not found in directory")
	ErrNotLeader    = errors.New("directory node is not the leader")

	// Config errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
