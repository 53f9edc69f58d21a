package network

import "sync/atomic"

// Stats are the relay's operational counters, safe for concurrent use.
type Stats struct {
	connectionsOpen   atomic.Int64
	connectionsTotal  atomic.Uint64
	authSuccesses     atomic.Uint64
	authFailures      atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesForwarded atomic.Uint64
	forwardsQueued    atomic.Uint64
	forwardsDelivered atomic.Uint64
	forwardsAbandoned atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsOpen   int64  `json:"connectionsOpen"`
	ConnectionsTotal  uint64 `json:"connectionsTotal"`
	AuthSuccesses     uint64 `json:"authSuccesses"`
	AuthFailures      uint64 `json:"authFailures"`
	MessagesDelivered uint64 `json:"messagesDelivered"`
	MessagesForwarded uint64 `json:"messagesForwarded"`
	ForwardsQueued    uint64 `json:"forwardsQueued"`
	ForwardsDelivered uint64 `json:"forwardsDelivered"`
	ForwardsAbandoned uint64 `json:"forwardsAbandoned"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsOpen:   s.connectionsOpen.Load(),
		ConnectionsTotal:  s.connectionsTotal.Load(),
		AuthSuccesses:     s.authSuccesses.Load(),
		AuthFailures:      s.authFailures.Load(),
		MessagesDelivered: s.messagesDelivered.Load(),
		MessagesForwarded: s.messagesForwarded.Load(),
		ForwardsQueued:    s.forwardsQueued.Load(),
		ForwardsDelivered: s.forwardsDelivered.Load(),
		ForwardsAbandoned: s.forwardsAbandoned.Load(),
	}
}
