// Package handshake drives per-peer Noise exchanges on top of the pure
// crypto in internal/noise: who to write to, when to retransmit, when
// an anonymous (opportunistic) exchange has timed out, and the
// identity-binding check that must hold before a handshake is ever
// promoted into a channel.Transport.
package handshake

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/channel"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/noise"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// AnonymousTimeout bounds how long an opportunistic handshake (no known
// destination key) may sit incomplete before it is discarded.
const AnonymousTimeout = 10 * time.Second

// RetransmitInterval is how often an unacknowledged outbound handshake
// message is resent, driven by Tick.
const RetransmitInterval = 2 * time.Second

var (
	// ErrIdentityMismatch is returned when a completed direct
	// (destination-bearing) handshake's revealed static key does not
	// match the key it was filed under. An anonymous (destination=None)
	// exchange never fails this way: its filed key is provisional and
	// the revealed key is adopted instead.
	ErrIdentityMismatch = errors.New("handshake: revealed identity does not match filed peer")
)

// Transport is the send side the driver needs: wrap one Packet onto
// whatever carries it to the peer (a specific transport connection, or
// the outbound multiplexer — the session layer decides).
type Transport func(pkt wire.Packet) error

// entry augments meshstate.HandshakeEntry with driver-local bookkeeping
// not needed by other consumers of the shared map.
type entry struct {
	*meshstate.HandshakeEntry

	createdAt    time.Time
	lastSent     []byte
	lastSentAt   time.Time
	filedUnder   identity.PublicKey
	hasDestination bool
}

// Driver manages every in-progress handshake for one local identity.
type Driver struct {
	self  *identity.Identity
	state *meshstate.State
	log   *slog.Logger

	mu      sync.Mutex
	entries map[identity.PublicKey]*entry
}

// New builds a Driver bound to shared mesh state.
func New(self *identity.Identity, state *meshstate.State, log *slog.Logger) *Driver {
	return &Driver{
		self:    self,
		state:   state,
		log:     log.With("component", "handshake"),
		entries: make(map[identity.PublicKey]*entry),
	}
}

// StartInitiator begins a handshake toward a known peer key and returns
// the first packet to send. If anonymous is true the packet carries no
// destination hint (opportunistic discovery of whoever is listening).
func (d *Driver) StartInitiator(dst identity.PublicKey, anonymous bool) (wire.Packet, error) {
	hs := noise.NewInitiator(d.self)
	msg, err := hs.WriteMessage()
	if err != nil {
		return wire.Packet{}, err
	}

	me := &meshstate.HandshakeEntry{State: hs, Initiator: true, Anonymous: anonymous}
	d.mu.Lock()
	d.entries[dst] = &entry{
		HandshakeEntry: me,
		createdAt:      time.Now(),
		lastSent:       msg,
		lastSentAt:     time.Now(),
		filedUnder:     dst,
		hasDestination: !anonymous,
	}
	d.mu.Unlock()
	d.state.HandshakeEntryOrCreate(dst, func() *meshstate.HandshakeEntry { return me })

	pkt := wire.Packet{Source: d.self.Public, Kind: wire.PayloadHandshake, Data: msg}
	if !anonymous {
		dstCopy := dst
		pkt.Destination = &dstCopy
	}
	return pkt, nil
}

// HandleIncoming processes one inbound handshake-kind Packet. It
// returns a reply packet to send (if any) and the newly promoted
// Transport (if the handshake just completed). Both may be nil/zero.
func (d *Driver) HandleIncoming(pkt wire.Packet) (*wire.Packet, *channel.Transport, error) {
	if pkt.Kind != wire.PayloadHandshake {
		return nil, nil, errors.New("handshake: not a handshake packet")
	}
	src := pkt.Source

	d.mu.Lock()
	e, ok := d.entries[src]
	if !ok {
		hs := noise.NewResponder(d.self)
		me := &meshstate.HandshakeEntry{State: hs, Initiator: false, Anonymous: pkt.Destination == nil}
		e = &entry{
			HandshakeEntry: me,
			createdAt:      time.Now(),
			filedUnder:     src,
			hasDestination: pkt.Destination != nil,
		}
		d.entries[src] = e
		if _, allowed := d.state.HandshakeEntryOrCreate(src, func() *meshstate.HandshakeEntry { return me }); !allowed {
			d.mu.Unlock()
			delete(d.entries, src)
			return nil, nil, errors.New("handshake: peer already has an active transport")
		}
	}
	d.mu.Unlock()

	e.Lock()
	defer e.Unlock()

	if err := e.State.ReadMessage(pkt.Data); err != nil {
		if errors.Is(err, noise.ErrOutOfTurn) || errors.Is(err, noise.ErrAlreadyComplete) {
			return nil, nil, nil
		}
		d.discard(src)
		return nil, nil, err
	}

	var reply *wire.Packet
	if e.State.IsMyTurn() && !e.State.IsComplete() {
		msg, err := e.State.WriteMessage()
		if err != nil {
			d.discard(src)
			return nil, nil, err
		}
		e.lastSent = msg
		e.lastSentAt = time.Now()
		out := wire.Packet{Source: d.self.Public, Kind: wire.PayloadHandshake, Data: msg}
		if e.hasDestination {
			srcCopy := src
			out.Destination = &srcCopy
		}
		reply = &out
	}

	if !e.State.IsComplete() {
		return reply, nil, nil
	}

	remote, have := e.State.RemoteStatic()
	if !have {
		d.discard(src)
		return nil, nil, errors.New("handshake: completed without a remote static key")
	}
	if remote != e.filedUnder {
		// Only tolerable for an opportunistic exchange, where the
		// filed key was a provisional hint, not an assertion.
		if !e.Anonymous {
			d.discard(src)
			return nil, nil, ErrIdentityMismatch
		}
	}

	sendKey, recvKey := e.State.TransportKeys()
	t := channel.NewTransport(sendKey, recvKey)
	d.state.Promote(remote, t)
	if remote != src {
		// src was only ever a provisional hint (opportunistic dial to
		// an address, not yet a known key); Promote only cleared the
		// entry filed under the revealed remote key.
		d.state.RemoveHandshake(src)
	}
	d.state.NotifyNewPeer(remote)

	d.mu.Lock()
	delete(d.entries, src)
	if remote != src {
		delete(d.entries, remote)
	}
	d.mu.Unlock()

	return reply, t, nil
}

// Tick scans every in-progress handshake, retransmitting unacknowledged
// messages and discarding anonymous handshakes that have timed out.
// Callers should invoke this at least once per second.
func (d *Driver) Tick(resend Transport) {
	now := time.Now()

	d.mu.Lock()
	stale := make([]identity.PublicKey, 0)
	toResend := make([]*entry, 0)
	for key, e := range d.entries {
		if e.Anonymous && now.Sub(e.createdAt) > AnonymousTimeout {
			stale = append(stale, key)
			continue
		}
		if e.lastSent != nil && now.Sub(e.lastSentAt) >= RetransmitInterval {
			toResend = append(toResend, e)
		}
	}
	for _, key := range stale {
		delete(d.entries, key)
	}
	d.mu.Unlock()

	for _, key := range stale {
		d.state.RemoveHandshake(key)
	}

	for _, e := range toResend {
		e.Lock()
		msg := e.lastSent
		hasDest := e.hasDestination
		filed := e.filedUnder
		e.lastSentAt = now
		e.Unlock()

		pkt := wire.Packet{Source: d.self.Public, Kind: wire.PayloadHandshake, Data: msg}
		if hasDest {
			dst := filed
			pkt.Destination = &dst
		}
		if err := resend(pkt); err != nil {
			d.log.Warn("handshake retransmit failed", "peer", filed, "error", err)
		}
	}
}

// PendingEntry is a diagnostics snapshot of one in-progress handshake.
type PendingEntry struct {
	Peer      identity.PublicKey
	Initiator bool
	Anonymous bool
	CreatedAt time.Time
}

// Pending returns a snapshot of every handshake currently in flight.
func (d *Driver) Pending() []PendingEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PendingEntry, 0, len(d.entries))
	for key, e := range d.entries {
		out = append(out, PendingEntry{
			Peer:      key,
			Initiator: e.Initiator,
			Anonymous: e.Anonymous,
			CreatedAt: e.createdAt,
		})
	}
	return out
}

func (d *Driver) discard(key identity.PublicKey) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	d.state.RemoveHandshake(key)
}
