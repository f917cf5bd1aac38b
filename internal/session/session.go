// Package session binds one transport duplex to the handshake driver,
// channel encryption, per-peer assembler/disassembler, and the router,
// generalizing the teacher's reader/writer goroutine-pair-per-duplex
// pattern into a peer-agnostic supervisor.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/channel"
	"github.com/fullbrightkay/routeweaver/internal/handshake"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/messagehandler"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/segment"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// AnonymousHandshakeTimeout bounds an opportunistic handshake's wait
// for a revealing response. Outbound connects use the transport
// drivers' own connectTimeout.
const AnonymousHandshakeTimeout = 10 * time.Second

var ErrAlreadyConnected = errors.New("session: peer already connected")

// Duplex is the transport-facing side of one peer connection. Reader
// errors and writer errors both end the session.
type Duplex interface {
	ReadPacket() (wire.Packet, error)
	WritePacket(pkt wire.Packet) error
	Close() error
}

// RouterSink is what the reader hands transit packets to.
type RouterSink interface {
	HandleTransit(pkt wire.Packet)
}

// Dispatcher is what a completed assembly hands fully decoded Messages
// to; internal/messagehandler implements it via a thin adapter.
type Dispatcher interface {
	Handle(ctx context.Context, from identity.PublicKey, msg wire.Message, sender MessageSender)
}

// MessageSender lets a Dispatcher reply to the peer owning the session
// that is currently dispatching to it. Aliased to messagehandler.Sender
// so a *messagehandler.Handler satisfies Dispatcher directly.
type MessageSender = messagehandler.Sender

// ConnectHook is notified once a session's handshake completes and its
// peer key is known, so a caller managing several Supervisors at once
// (a daemon) can register how to reach this peer for out-of-band sends
// such as a locally-initiated IPC Connect.
type ConnectHook func(key identity.PublicKey, sender MessageSender)

// Supervisor owns one peer's session lifecycle: anonymous-or-keyed
// handshake, then a reader task and a writer task, torn down together
// on whichever exits first.
type Supervisor struct {
	self          *identity.Identity
	state         *meshstate.State
	hsDriver      *handshake.Driver
	router        RouterSink
	dispatcher    Dispatcher
	onConnected   ConnectHook
	log           *slog.Logger

	duplex    Duplex
	initiator bool
	// targetKey is the peer's known static key; nil means this is an
	// address-only initiator connection that must use the anonymous
	// opportunistic handshake to discover it.
	targetKey      *identity.PublicKey
	selfAnonymous  bool

	mu          sync.Mutex
	peerKey     identity.PublicKey
	haveKey     bool
	assembler   *segment.Assembler
	disassembler *segment.Disassembler
	transport   *channel.Transport
}

// New builds a Supervisor for one accepted or dialed duplex. onConnected
// may be nil.
func New(self *identity.Identity, state *meshstate.State, hsDriver *handshake.Driver, router RouterSink, dispatcher Dispatcher, duplex Duplex, initiator bool, targetKey *identity.PublicKey, selfAnonymous bool, onConnected ConnectHook, log *slog.Logger) *Supervisor {
	return &Supervisor{
		self:          self,
		onConnected:   onConnected,
		state:         state,
		hsDriver:      hsDriver,
		router:        router,
		dispatcher:    dispatcher,
		duplex:        duplex,
		initiator:     initiator,
		targetKey:     targetKey,
		selfAnonymous: selfAnonymous,
		log:           log.With("component", "session"),
	}
}

// Run executes the full session lifecycle and blocks until it ends,
// for either a read failure, a write failure, or ctx cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.targetKey != nil {
		if _, connected := s.state.Transport(*s.targetKey); connected {
			return ErrAlreadyConnected
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.performHandshake(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	key := s.peerKey
	s.mu.Unlock()
	s.state.NotifyNewPeer(key)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errCh <- s.readLoop(ctx) }()
	go func() { defer wg.Done(); errCh <- s.writeLoop(ctx) }()

	first := <-errCh
	cancel()
	wg.Wait()

	s.state.RemovePeer(key)
	_ = s.duplex.Close()
	return first
}

// performHandshake runs the handshake phase to completion, either via
// the anonymous opportunistic exchange (address-only initiator, self
// not anonymous) or a direct keyed exchange, and installs the
// resulting channel.Transport plus per-peer assembler/disassembler.
func (s *Supervisor) performHandshake(ctx context.Context) error {
	if s.initiator && s.targetKey == nil && !s.selfAnonymous {
		return s.runAnonymousInitiatorHandshake(ctx)
	}

	var dst identity.PublicKey
	if s.targetKey != nil {
		dst = *s.targetKey
	}

	// An anonymous node dialing an address-only peer (targetKey == nil)
	// never sends the first handshake move itself: only a non-anonymous
	// initiator reveals its key unsolicited. It still waits passively
	// below for whatever the remote sends, exactly as a responder would.
	selfInitiatesActively := s.initiator && !(s.targetKey == nil && s.selfAnonymous)
	if selfInitiatesActively {
		pkt, err := s.hsDriver.StartInitiator(dst, false)
		if err != nil {
			return err
		}
		if err := s.duplex.WritePacket(pkt); err != nil {
			return err
		}
	}

	for {
		pkt, err := s.duplex.ReadPacket()
		if err != nil {
			return err
		}
		if pkt.Kind != wire.PayloadHandshake {
			continue // shouldn't happen pre-completion, ignore defensively
		}
		reply, transport, err := s.hsDriver.HandleIncoming(pkt)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := s.duplex.WritePacket(*reply); err != nil {
				return err
			}
		}
		if transport != nil {
			key := dst
			if s.targetKey == nil {
				// Responder side (or an anonymous initiator's passive
				// wait): we had no prior key to dial, so the peer's
				// identity is whatever this completing packet revealed.
				key = pkt.Source
			}
			s.install(key, transport)
			return nil
		}
	}
}

// runAnonymousInitiatorHandshake implements spec.md §4.2's opportunistic
// first-contact flow: send destination=None, wait up to
// AnonymousHandshakeTimeout for a reply revealing the remote's key.
func (s *Supervisor) runAnonymousInitiatorHandshake(ctx context.Context) error {
	var zero identity.PublicKey
	pkt, err := s.hsDriver.StartInitiator(zero, true)
	if err != nil {
		return err
	}
	if err := s.duplex.WritePacket(pkt); err != nil {
		return err
	}

	deadline := time.Now().Add(AnonymousHandshakeTimeout)
	for time.Now().Before(deadline) {
		pkt, err := s.duplex.ReadPacket()
		if err != nil {
			return err
		}
		if pkt.Kind != wire.PayloadHandshake {
			continue
		}
		reply, transport, err := s.hsDriver.HandleIncoming(pkt)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := s.duplex.WritePacket(*reply); err != nil {
				return err
			}
		}
		if transport != nil {
			s.install(pkt.Source, transport)
			return nil
		}
	}
	return errors.New("session: anonymous handshake timed out")
}

func (s *Supervisor) install(key identity.PublicKey, t *channel.Transport) {
	s.mu.Lock()
	s.peerKey = key
	s.haveKey = true
	s.transport = t
	s.assembler = segment.NewAssembler()
	s.disassembler = segment.NewDisassembler(0, false)
	s.mu.Unlock()

	if s.onConnected != nil {
		s.onConnected(key, senderFunc(s.SendMessage))
	}
}

// readLoop classifies inbound packets per spec.md §4.2/§4.3: drops
// self-sourced and source==destination packets, advances the
// handshake driver for late handshake packets (retransmitted
// messages), opens ciphertext destined for us into the assembler, and
// hands transit packets to the router.
func (s *Supervisor) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := s.duplex.ReadPacket()
		if err != nil {
			return err
		}
		if err := pkt.Validate(s.self.Public); err != nil {
			s.log.Debug("dropping invalid packet", "error", err)
			continue
		}

		switch {
		case pkt.Kind == wire.PayloadHandshake:
			reply, _, err := s.hsDriver.HandleIncoming(pkt)
			if err != nil {
				s.log.Debug("handshake packet rejected post-completion", "error", err)
				continue
			}
			if reply != nil {
				_ = s.duplex.WritePacket(*reply)
			}

		case pkt.Destination != nil && *pkt.Destination == s.self.Public:
			s.handleCiphertext(ctx, pkt)

		case pkt.Destination != nil:
			if s.router != nil {
				s.router.HandleTransit(pkt)
			}

		default:
			// destination == None, ciphertext: no defined handling,
			// drop.
		}
	}
}

func (s *Supervisor) handleCiphertext(ctx context.Context, pkt wire.Packet) {
	s.mu.Lock()
	t := s.transport
	a := s.assembler
	d := s.disassembler
	peerKey := s.peerKey
	s.mu.Unlock()
	if t == nil || a == nil {
		return
	}

	plaintext, err := t.Open(pkt.Data)
	if err != nil {
		s.log.Debug("dropping undecryptable segment", "peer", peerKey, "error", err)
		return
	}
	seg, err := wire.DecodeSegment(plaintext)
	if err != nil {
		s.log.Debug("dropping malformed segment", "peer", peerKey, "error", err)
		return
	}

	switch seg.Kind {
	case wire.SegmentProgress:
		if d != nil {
			d.ConfirmProgress(&seg)
		}
		return
	case wire.SegmentHead:
		a.FeedHead(seg.ID, seg.Head)
	case wire.SegmentBody:
		a.FeedBody(seg.ID, seg.Body)
	}

	for _, delivered := range a.Drain() {
		msg, err := wire.DecodeMessage(delivered.Data)
		if err != nil {
			s.log.Debug("dropping undecodable message", "peer", peerKey, "id", delivered.ID, "error", err)
			continue
		}
		if s.dispatcher != nil {
			s.dispatcher.Handle(ctx, peerKey, msg, senderFunc(s.SendMessage))
		}
	}
}

type senderFunc func(dst identity.PublicKey, msg wire.Message) error

func (f senderFunc) SendMessage(dst identity.PublicKey, msg wire.Message) error { return f(dst, msg) }

// SendMessage encodes, segments, seals, and transmits an application
// Message to the peer this session is bound to.
func (s *Supervisor) SendMessage(dst identity.PublicKey, msg wire.Message) error {
	s.mu.Lock()
	t := s.transport
	d := s.disassembler
	peerKey := s.peerKey
	s.mu.Unlock()
	if t == nil || d == nil || dst != peerKey {
		return errors.New("session: not connected to destination")
	}

	_, segs, err := d.Enqueue(&msg)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := s.sealAndSend(t, peerKey, &seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) sealAndSend(t *channel.Transport, dst identity.PublicKey, seg *wire.Segment) error {
	plain, err := wire.EncodeSegment(seg)
	if err != nil {
		return err
	}
	ct, err := t.Seal(plain)
	if err != nil {
		return err
	}
	return s.duplex.WritePacket(wire.Packet{Source: s.self.Public, Destination: &dst, Kind: wire.PayloadCiphertext, Data: ct})
}

// writeLoop drains the per-peer outbound packet queue (populated by
// the router forwarding transit packets to us) into the transport
// sink, and once a second calls retransmitDue, which seals and writes
// unconfirmed segments and MessageProgress segments directly.
func (s *Supervisor) writeLoop(ctx context.Context) error {
	s.mu.Lock()
	peerKey := s.peerKey
	s.mu.Unlock()
	queue := s.state.OutboundQueue(peerKey)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt, ok := <-queue:
			if !ok {
				return errors.New("session: outbound queue closed")
			}
			if err := s.duplex.WritePacket(pkt); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.retransmitDue(); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) retransmitDue() error {
	s.mu.Lock()
	t := s.transport
	a := s.assembler
	d := s.disassembler
	peerKey := s.peerKey
	s.mu.Unlock()
	if t == nil {
		return nil
	}

	for _, seg := range d.Tick() {
		if err := s.sealAndSend(t, peerKey, &seg); err != nil {
			return err
		}
	}
	for _, seg := range a.PendingProgress() {
		if err := s.sealAndSend(t, peerKey, &seg); err != nil {
			return err
		}
	}
	return nil
}
