package coordinator

import (
	"fmt"
	"time"

	"github.com/pixperk/peerlock/pkg/types"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultMonopolyLease     = 10 * time.Second
	DefaultTransportTimeout  = 1 * time.Second

	// a peer is declared dead after missing this many heartbeat intervals
	peerTimeoutFactor = 3
)

type Config struct {
	HeartbeatInterval time.Duration //period of the liveness announce + eviction tick
	PeerTimeout       time.Duration //silence after which a peer is evicted (3x interval if zero)
	MonopolyLease     time.Duration //longest a peer may stay HELD before forced release
	TransportTimeout  time.Duration //bound on every single remote call
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		PeerTimeout:       peerTimeoutFactor * DefaultHeartbeatInterval,
		MonopolyLease:     DefaultMonopolyLease,
		TransportTimeout:  DefaultTransportTimeout,
	}
}

// fills zero values from the defaults, peer timeout follows the heartbeat interval
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = peerTimeoutFactor * c.HeartbeatInterval
	}
	if c.MonopolyLease == 0 {
		c.MonopolyLease = d.MonopolyLease
	}
	if c.TransportTimeout == 0 {
		c.TransportTimeout = d.TransportTimeout
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval < 0, c.PeerTimeout < 0, c.MonopolyLease < 0, c.TransportTimeout < 0:
		return fmt.Errorf("%w: durations must not be negative", types.ErrInvalidConfig)
	case c.PeerTimeout != 0 && c.HeartbeatInterval != 0 && c.PeerTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: peer timeout %s must exceed heartbeat interval %s",
			types.ErrInvalidConfig, c.PeerTimeout, c.HeartbeatInterval)
	}
	return nil
}
