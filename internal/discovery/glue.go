package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// InitiateQueueCapacity bounds how many discovered-but-not-yet-dialed
// peers sit in each protocol's initiator queue (spec.md §5: 10-100).
const InitiateQueueCapacity = 64

// Glue feeds every driver's discovered peers into the shared
// per-protocol initiator queues and fans Announce calls out to every
// driver. It does not refresh this node's own addresses: nothing in
// Glue calls ReflexiveAddress, and PeerSuggestion replies carry only
// the transports' local addresses.
type Glue struct {
	state   *meshstate.State
	drivers []Driver
	log     *slog.Logger
}

// New builds discovery glue over the given drivers.
func New(state *meshstate.State, drivers []Driver, log *slog.Logger) *Glue {
	return &Glue{state: state, drivers: drivers, log: log.With("component", "discovery")}
}

// Run starts discovery on every driver and blocks until ctx is
// cancelled, feeding discovered peers into their protocol's initiator
// queue.
func (g *Glue) Run(ctx context.Context) {
	out := make(chan peer.Peer, 64)
	errs := make(chan error, 16)
	for _, d := range g.drivers {
		go d.Discover(out, errs)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-out:
			q := g.state.InitiateQueue(p.Protocol, InitiateQueueCapacity)
			select {
			case q <- p:
			default:
				g.log.Debug("initiate queue full, dropping discovered peer", "peer", p)
			}
		case err := <-errs:
			g.log.Warn("discovery driver error", "error", err)
		}
	}
}

// Announce broadcasts peers across every wired driver.
func (g *Glue) Announce(peers []peer.Peer) {
	for _, d := range g.drivers {
		if err := d.Announce(peers); err != nil {
			g.log.Warn("announce failed", "error", err)
		}
	}
}

// ReflexiveAddress performs a one-shot STUN binding request against
// server to learn this node's public address as seen from outside any
// NAT. This is reflexive
// address discovery only — no ICE candidate gathering, no relaying;
// full NAT traversal is out of scope.
func ReflexiveAddress(server string) (peer.Address, error) {
	conn, err := net.DialTimeout("udp", server, 5*time.Second)
	if err != nil {
		return peer.Address{}, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(msg.Raw); err != nil {
		return peer.Address{}, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return peer.Address{}, err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return peer.Address{}, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			return peer.Address{}, fmt.Errorf("discovery: no mapped address in STUN response")
		}
		return peer.Address{IP: &peer.IPAddress{Addr: mapped.IP, Port: uint16(mapped.Port)}}, nil
	}
	return peer.Address{IP: &peer.IPAddress{Addr: xorAddr.IP, Port: uint16(xorAddr.Port)}}, nil
}
