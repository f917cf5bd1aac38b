package messagehandler

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (r *recordingSender) SendMessage(dst identity.PublicKey, msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) last() (wire.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return wire.Message{}, false
	}
	return r.sent[len(r.sent)-1], true
}

func TestRequestPeerSuggestionReplies(t *testing.T) {
	state := meshstate.New()
	addrs := []peer.Peer{{Protocol: peer.ProtocolTCP, Address: peer.Address{IP: &peer.IPAddress{Addr: net.ParseIP("1.2.3.4"), Port: 1}}}}
	h := New(identity.PublicKey{}, state, func() []peer.Peer { return addrs }, nil, 10, slog.Default())

	sender := &recordingSender{}
	h.Handle(context.Background(), identity.PublicKey{1}, wire.Message{Kind: wire.MsgRequestPeerSuggestion}, sender)

	got, ok := sender.last()
	if !ok || got.Kind != wire.MsgPeerSuggestion || len(got.Peers) != 1 {
		t.Fatalf("expected a peer suggestion reply, got %+v", got)
	}
}

func TestRequestConnectionDeniedWithoutBridge(t *testing.T) {
	state := meshstate.New()
	h := New(identity.PublicKey{}, state, func() []peer.Peer { return nil }, nil, 10, slog.Default())

	sender := &recordingSender{}
	h.Handle(context.Background(), identity.PublicKey{1}, wire.Message{Kind: wire.MsgRequestConnection, App: "fileshr"}, sender)

	got, ok := sender.last()
	if !ok || got.Kind != wire.MsgConnectionDenied {
		t.Fatalf("expected denial without a bridge, got %+v", got)
	}
}

func TestPeerSuggestionFeedsInitiateQueue(t *testing.T) {
	state := meshstate.New()
	h := New(identity.PublicKey{}, state, func() []peer.Peer { return nil }, nil, 10, slog.Default())

	suggested := []peer.Peer{{Protocol: peer.ProtocolUDP, Address: peer.Address{IP: &peer.IPAddress{Addr: net.ParseIP("5.6.7.8"), Port: 2}}}}
	ctx := context.Background()
	h.Handle(ctx, identity.PublicKey{2}, wire.Message{Kind: wire.MsgPeerSuggestion, Peers: suggested}, &recordingSender{})

	q := state.InitiateQueue(peer.ProtocolUDP, 10)
	select {
	case p := <-q:
		if p.Protocol != peer.ProtocolUDP {
			t.Fatalf("unexpected peer: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected suggested peer to reach the initiate queue")
	}
}
