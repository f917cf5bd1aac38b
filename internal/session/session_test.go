package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/handshake"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// pipeDuplex is an in-memory Duplex, standing in for a real transport
// connection so the handshake and message path can be exercised
// without a socket.
type pipeDuplex struct {
	read   <-chan wire.Packet
	write  chan<- wire.Packet
	once   sync.Once
	closed chan struct{}
}

func newPipe() (Duplex, Duplex) {
	ab := make(chan wire.Packet, 16)
	ba := make(chan wire.Packet, 16)
	a := &pipeDuplex{read: ba, write: ab, closed: make(chan struct{})}
	b := &pipeDuplex{read: ab, write: ba, closed: make(chan struct{})}
	return a, b
}

func (p *pipeDuplex) ReadPacket() (wire.Packet, error) {
	select {
	case pkt, ok := <-p.read:
		if !ok {
			return wire.Packet{}, io.EOF
		}
		return pkt, nil
	case <-p.closed:
		return wire.Packet{}, io.EOF
	}
}

func (p *pipeDuplex) WritePacket(pkt wire.Packet) error {
	select {
	case p.write <- pkt:
		return nil
	case <-p.closed:
		return errors.New("session: pipe closed")
	}
}

func (p *pipeDuplex) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []wire.Message
}

func (d *recordingDispatcher) Handle(_ context.Context, _ identity.PublicKey, msg wire.Message, sender MessageSender) {
	d.mu.Lock()
	d.got = append(d.got, msg)
	d.mu.Unlock()
}

func (d *recordingDispatcher) messages() []wire.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.Message, len(d.got))
	copy(out, d.got)
	return out
}

type side struct {
	self       *identity.Identity
	state      *meshstate.State
	hsDriver   *handshake.Driver
	dispatcher *recordingDispatcher
	sup        *Supervisor

	mu         sync.Mutex
	connected  identity.PublicKey
	sawConnect bool
	sender     MessageSender
}

func newSide(t *testing.T, duplex Duplex, initiator bool, targetKey *identity.PublicKey) *side {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	log := slog.New(slog.DiscardHandler)
	state := meshstate.New()
	hsDriver := handshake.New(id, state, log)
	s := &side{self: id, state: state, hsDriver: hsDriver, dispatcher: &recordingDispatcher{}}

	onConnected := func(key identity.PublicKey, sender MessageSender) {
		s.mu.Lock()
		s.connected = key
		s.sawConnect = true
		s.sender = sender
		s.mu.Unlock()
	}

	s.sup = New(id, state, hsDriver, nil, s.dispatcher, duplex, initiator, targetKey, false, onConnected, log)
	return s
}

func TestSupervisorHandshakeAndMessageExchange(t *testing.T) {
	dA, dB := newPipe()
	b := newSide(t, dB, false, nil)
	bKey := b.self.Public
	a := newSide(t, dA, true, &bKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- a.sup.Run(ctx) }()
	go func() { errB <- b.sup.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		a.mu.Lock()
		aConnected := a.sawConnect
		a.mu.Unlock()
		b.mu.Lock()
		bConnected := b.sawConnect
		b.mu.Unlock()
		if aConnected && bConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("handshake did not complete in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	a.mu.Lock()
	if a.connected != bKey {
		t.Fatalf("initiator's ConnectHook saw %v, want %v", a.connected, bKey)
	}
	aSender := a.sender
	a.mu.Unlock()

	if err := aSender.SendMessage(bKey, wire.Message{Kind: wire.MsgRequestPeerSuggestion}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline = time.After(2 * time.Second)
	for {
		if len(b.dispatcher.messages()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("responder never received the message")
		case <-time.After(5 * time.Millisecond):
		}
	}

	got := b.dispatcher.messages()
	if got[0].Kind != wire.MsgRequestPeerSuggestion {
		t.Fatalf("got kind %v, want MsgRequestPeerSuggestion", got[0].Kind)
	}

	// Cancelling ctx alone only unblocks the write loop; the read loop
	// blocks inside the duplex's ReadPacket, so closing it is what
	// actually lets Run return — mirroring how the daemon's Stop closes
	// transport drivers alongside cancelling its context.
	cancel()
	dA.Close()
	dB.Close()
	<-errA
	<-errB
}

func TestSupervisorRejectsAlreadyConnectedTarget(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	target, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	log := slog.New(slog.DiscardHandler)
	state := meshstate.New()
	state.Promote(target.Public, nil)

	dA, _ := newPipe()
	sup := New(id, state, handshake.New(id, state, log), nil, nil, dA, true, &target.Public, false, nil, log)

	if err := sup.Run(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("Run: got %v, want ErrAlreadyConnected", err)
	}
}
