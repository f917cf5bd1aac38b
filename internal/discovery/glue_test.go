package discovery

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// fakeDriver emits a fixed set of peers once Discover is called and
// records every Announce call, standing in for a real udp/bluetooth
// discovery driver.
type fakeDriver struct {
	emit      []peer.Peer
	announced [][]peer.Peer
	closed    bool
}

func (f *fakeDriver) Announce(peers []peer.Peer) error {
	f.announced = append(f.announced, peers)
	return nil
}

func (f *fakeDriver) Discover(out chan<- peer.Peer, errs chan<- error) {
	for _, p := range f.emit {
		out <- p
	}
}

func (f *fakeDriver) Close() error {
	f.closed = true
	return nil
}

func testPeer(port uint16) peer.Peer {
	return peer.Peer{
		Protocol: peer.ProtocolUDP,
		Address:  peer.Address{IP: &peer.IPAddress{Addr: net.ParseIP("127.0.0.1"), Port: port}},
	}
}

func TestGlueFeedsDiscoveredPeersIntoInitiateQueue(t *testing.T) {
	state := meshstate.New()
	drv := &fakeDriver{emit: []peer.Peer{testPeer(1111), testPeer(2222)}}
	g := New(state, []Driver{drv}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	q := state.InitiateQueue(peer.ProtocolUDP, InitiateQueueCapacity)
	seen := map[uint16]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case p := <-q:
			seen[p.Address.IP.Port] = true
		case <-deadline:
			t.Fatalf("timed out waiting for discovered peers, got %v", seen)
		}
	}
	if !seen[1111] || !seen[2222] {
		t.Fatalf("missing expected peers, got %v", seen)
	}
}

func TestGlueAnnounceFansOutToEveryDriver(t *testing.T) {
	state := meshstate.New()
	a := &fakeDriver{}
	b := &fakeDriver{}
	g := New(state, []Driver{a, b}, slog.New(slog.DiscardHandler))

	peers := []peer.Peer{testPeer(3333)}
	g.Announce(peers)

	if len(a.announced) != 1 || len(b.announced) != 1 {
		t.Fatalf("expected both drivers to receive the announce, got a=%d b=%d", len(a.announced), len(b.announced))
	}
}
