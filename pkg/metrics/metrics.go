package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// local mutex state - 0 released, 1 wanted, 2 held
	// exactly one peer across the group should sit at 2 at any instant
	MutexState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_mutex_state",
			Help: "current mutual exclusion state (0 = released, 1 = wanted, 2 = held)",
		},
	)

	// time spent in enter() fan-out, bounded by the per call transport timeout
	EnterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerlock_enter_duration_seconds",
			Help:    "time taken by the request fan-out of enter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
	)

	// outcome of enter - held (quorum reached), wanted (still waiting on deferred grants),
	// rejected (not in RELEASED)
	EnterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_enter_total",
			Help: "total number of enter calls by outcome",
		},
		[]string{"outcome"},
	)

	// inbound requestAccess decisions
	// labels: decision (grant/defer)
	AccessDecisionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_access_decision_total",
			Help: "total number of inbound access requests by decision",
		},
		[]string{"decision"},
	)

	// release notices
	// labels: kind (sent = deferred grant delivered, counted = accepted inbound, stale = discarded inbound)
	ReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_release_total",
			Help: "total number of release notices by kind",
		},
		[]string{"kind"},
	)

	// forced releases - a holder that forgot to exit or crashed mid critical section
	LeaseExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlock_lease_expire_total",
			Help: "total number of holds ended by lease expiry",
		},
	)

	// live peers as seen by the membership table
	PeersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_peers_live",
			Help: "number of peers currently considered live",
		},
	)

	// peers dropped for missing heartbeats
	PeerEvictionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlock_peer_eviction_total",
			Help: "total number of peers evicted for heartbeat silence",
		},
	)

	// heartbeat traffic
	// labels: direction (sent/received), status (success/failure)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_heartbeat_total",
			Help: "total number of heartbeats",
		},
		[]string{"direction", "status"},
	)

	// remote calls that did not complete
	// labels: call (request_access/heartbeat/release/lookup)
	TransportFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlock_transport_failure_total",
			Help: "total number of failed remote calls",
		},
		[]string{"call"},
	)

	// replicated directory leadership - 1 if this node is leader
	DirectoryIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_directory_is_leader",
			Help: "whether this directory node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// registrations held by the replicated directory
	DirectoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_directory_entries",
			Help: "number of names registered in the directory",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
