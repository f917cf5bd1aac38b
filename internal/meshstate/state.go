// Package meshstate holds the thread-safe maps that every other
// component indexes by PublicKey, Peer, Protocol, or ConnectionID:
// handshake states, promoted transport (channel) states, the per-peer
// outbound packet queue, and the per-protocol initiator queue. There is
// no single global lock: the handshake, transport and outbound maps
// share one RWMutex (so promotion is atomic), while the initiator
// queues and the new-peer subscribers each have their own lock,
// matching the teacher's PeerManager shape generalized across the
// several maps the spec names.
package meshstate

import (
	"sync"

	"github.com/fullbrightkay/routeweaver/internal/channel"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/noise"
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// OutboundQueueCapacity is the per-peer outbound packet channel size
// (spec.md §5: "per-peer outbound = 10").
const OutboundQueueCapacity = 10

// HandshakeEntry tracks one in-progress Noise exchange, keyed by the
// peer's claimed public key.
type HandshakeEntry struct {
	mu        sync.Mutex
	State     *noise.HandshakeState
	Initiator bool
	Anonymous bool // opportunistic handshake with destination=None
}

func (e *HandshakeEntry) Lock()   { e.mu.Lock() }
func (e *HandshakeEntry) Unlock() { e.mu.Unlock() }

// State is the full set of concurrent maps for one node. A handshake
// entry and a transport entry are mutually exclusive for the same
// key: Promote removes the former while installing the latter
// atomically under the combined lock.
type State struct {
	mu         sync.RWMutex
	handshakes map[identity.PublicKey]*HandshakeEntry
	transports map[identity.PublicKey]*channel.Transport
	outbound   map[identity.PublicKey]chan wire.Packet

	initMu    sync.RWMutex
	initiate  map[peer.Protocol]chan peer.Peer

	newPeerMu   sync.Mutex
	newPeerSubs []chan identity.PublicKey
}

// New builds an empty State.
func New() *State {
	return &State{
		handshakes: make(map[identity.PublicKey]*HandshakeEntry),
		transports: make(map[identity.PublicKey]*channel.Transport),
		outbound:   make(map[identity.PublicKey]chan wire.Packet),
		initiate:   make(map[peer.Protocol]chan peer.Peer),
	}
}

// --- handshake tracker ---

// HandshakeEntryOrCreate returns the existing handshake entry for key,
// or installs and returns a new one via create. Returns false if a
// transport state already exists for key (mutual exclusivity).
func (s *State) HandshakeEntryOrCreate(key identity.PublicKey, create func() *HandshakeEntry) (*HandshakeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, isTransport := s.transports[key]; isTransport {
		return nil, false
	}
	if e, ok := s.handshakes[key]; ok {
		return e, true
	}
	e := create()
	s.handshakes[key] = e
	return e, true
}

// HandshakeEntries returns a snapshot of all in-progress handshakes,
// for the tick driver to scan.
func (s *State) HandshakeEntries() map[identity.PublicKey]*HandshakeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[identity.PublicKey]*HandshakeEntry, len(s.handshakes))
	for k, v := range s.handshakes {
		out[k] = v
	}
	return out
}

// RemoveHandshake discards a handshake entry (failure or timeout).
func (s *State) RemoveHandshake(key identity.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handshakes, key)
}

// Promote atomically replaces a handshake entry with a transport
// state, and ensures an outbound queue exists for key.
func (s *State) Promote(key identity.PublicKey, t *channel.Transport) chan wire.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handshakes, key)
	s.transports[key] = t
	q, ok := s.outbound[key]
	if !ok {
		q = make(chan wire.Packet, OutboundQueueCapacity)
		s.outbound[key] = q
	}
	return q
}

// Transport returns the promoted transport state for key, if any.
func (s *State) Transport(key identity.PublicKey) (*channel.Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transports[key]
	return t, ok
}

// RemovePeer tears down all per-peer state for key (session end).
func (s *State) RemovePeer(key identity.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handshakes, key)
	delete(s.transports, key)
	if q, ok := s.outbound[key]; ok {
		close(q)
		delete(s.outbound, key)
	}
}

// OutboundQueue returns (creating if absent) the per-peer outbound
// packet queue.
func (s *State) OutboundQueue(key identity.PublicKey) chan wire.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.outbound[key]
	if !ok {
		q = make(chan wire.Packet, OutboundQueueCapacity)
		s.outbound[key] = q
	}
	return q
}

// ConnectedPeers lists every peer with a promoted transport.
func (s *State) ConnectedPeers() []identity.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.PublicKey, 0, len(s.transports))
	for k := range s.transports {
		out = append(out, k)
	}
	return out
}

// --- per-protocol initiator queues ---

// InitiateQueue returns (creating if absent) the initiator queue for a
// protocol, sized per spec.md §5 ("initiate = 10-100").
func (s *State) InitiateQueue(p peer.Protocol, capacity int) chan peer.Peer {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	q, ok := s.initiate[p]
	if !ok {
		q = make(chan peer.Peer, capacity)
		s.initiate[p] = q
	}
	return q
}

// --- new-peer notification ---

// SubscribeNewPeer registers a channel that receives a notification
// whenever NotifyNewPeer reports a newly registered peer.
func (s *State) SubscribeNewPeer(buf int) chan identity.PublicKey {
	ch := make(chan identity.PublicKey, buf)
	s.newPeerMu.Lock()
	s.newPeerSubs = append(s.newPeerSubs, ch)
	s.newPeerMu.Unlock()
	return ch
}

// NotifyNewPeer fans out a new-peer event to all subscribers without
// blocking slow consumers.
func (s *State) NotifyNewPeer(key identity.PublicKey) {
	s.newPeerMu.Lock()
	defer s.newPeerMu.Unlock()
	for _, ch := range s.newPeerSubs {
		select {
		case ch <- key:
		default:
		}
	}
}
