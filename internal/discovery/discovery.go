// Package discovery defines the peer-discovery driver contract and its
// concrete drivers, plus the glue that feeds discovered peers into the
// per-protocol initiator queues and keeps local address advertising
// fresh.
package discovery

import "github.com/fullbrightkay/routeweaver/internal/peer"

// Driver asynchronously emits candidate peers and can announce this
// node's own reachable addresses to whatever medium it covers.
type Driver interface {
	Announce(peers []peer.Peer) error
	// Discover delivers discovered peers to out until the driver is
	// closed; errors are delivered on errs without stopping delivery.
	Discover(out chan<- peer.Peer, errs chan<- error)
	Close() error
}
