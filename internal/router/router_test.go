package router

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

type fakeOutbound struct {
	gone map[identity.PublicKey]bool
	sent []identity.PublicKey
}

func (f *fakeOutbound) Enqueue(peer identity.PublicKey, pkt wire.Packet) error {
	if f.gone[peer] {
		return ErrPeerGone
	}
	f.sent = append(f.sent, peer)
	return nil
}

func newKey(b byte) identity.PublicKey {
	var k identity.PublicKey
	k[0] = b
	return k
}

func TestRequestRoutePicksScoredPeer(t *testing.T) {
	r := New(slog.Default())
	peerA := newKey(1)
	peerB := newKey(2)
	r.RecordEvent(peerA, PeerEvent{TimeTaken: time.Millisecond})
	r.RecordEvent(peerB, PeerEvent{TimeTaken: 5 * time.Millisecond})

	out := &fakeOutbound{gone: map[identity.PublicKey]bool{}}
	origin := newKey(3)
	dst := newKey(9)
	pkt := wire.Packet{Source: origin, Destination: &dst}

	// The newly-connected-peer FIFO is empty, so whichever branch the
	// 10% draw takes, the candidate comes from the scored peers; this
	// checks one routing attempt lands on one of them.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	chosen, err := r.RequestRoute(ctx, origin, pkt, out)
	if err != nil {
		t.Fatalf("RequestRoute: %v", err)
	}
	if chosen != peerA && chosen != peerB {
		t.Fatalf("unexpected candidate %v", chosen)
	}
}

func TestRequestRouteNoDestinationIsBug(t *testing.T) {
	r := New(slog.Default())
	out := &fakeOutbound{gone: map[identity.PublicKey]bool{}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.RequestRoute(ctx, newKey(1), wire.Packet{Source: newKey(1)}, out)
	if err == nil {
		t.Fatalf("expected error for packet with no destination")
	}
}

func TestRequestRouteEvictsGoneCandidate(t *testing.T) {
	r := New(slog.Default())
	peerA := newKey(1)
	r.RecordEvent(peerA, PeerEvent{TimeTaken: time.Millisecond})

	out := &fakeOutbound{gone: map[identity.PublicKey]bool{peerA: true}}
	origin := newKey(3)
	dst := newKey(9)
	pkt := wire.Packet{Source: origin, Destination: &dst}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.RequestRoute(ctx, origin, pkt, out)
	if err == nil {
		t.Fatalf("expected context deadline once the only candidate is gone")
	}
}
