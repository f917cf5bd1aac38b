// Package router selects a forwarding peer for transit packets —
// packets whose destination is set and is not this node. It scores
// candidates by a bounded history of prior forwarding outcomes rather
// than any persistent routing table.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// EventRingSize bounds the per-peer forwarding-outcome history.
const EventRingSize = 50

// LoopbackOverrideThreshold is how many consecutive refusals under the
// "never forward back to origin" rule are tolerated before the rule is
// lifted for that request — otherwise a single-neighbor node could
// never forward anything at all.
const LoopbackOverrideThreshold = 5

// RetryWait bounds how long RequestRoute blocks with no candidate
// before trying again.
const RetryWait = 10 * time.Millisecond

// PeerEvent is one recorded forwarding outcome.
type PeerEvent struct {
	TimeTaken time.Duration
	Failed    bool
}

func (e PeerEvent) score() float64 {
	s := e.TimeTaken.Seconds()
	if e.Failed {
		return -s
	}
	return s
}

// peerRing is a fixed-capacity ring of PeerEvent.
type peerRing struct {
	events []PeerEvent
	next   int
	full   bool
}

func (r *peerRing) record(e PeerEvent) {
	if r.events == nil {
		r.events = make([]PeerEvent, EventRingSize)
	}
	r.events[r.next] = e
	r.next = (r.next + 1) % EventRingSize
	if r.next == 0 {
		r.full = true
	}
}

func (r *peerRing) sum() float64 {
	limit := r.next
	if r.full {
		limit = EventRingSize
	}
	var total float64
	for i := 0; i < limit; i++ {
		total += r.events[i].score()
	}
	return total
}

// Outbound is the per-peer enqueue sink the router forwards onto; a
// closed-channel style failure must be reported via ErrPeerGone so the
// router can evict that peer's entry and retry another candidate.
type Outbound interface {
	// Enqueue attempts a non-blocking send of pkt to peer. It returns
	// ErrPeerGone if the peer's channel is closed/removed.
	Enqueue(peer identity.PublicKey, pkt wire.Packet) error
}

var ErrPeerGone = errPeerGone{}

type errPeerGone struct{}

func (errPeerGone) Error() string { return "router: peer channel closed" }

// Router scores connected peers and picks a forwarding candidate for
// each transit packet.
type Router struct {
	mu    sync.Mutex
	rings map[identity.PublicKey]*peerRing

	newPeerMu sync.Mutex
	newPeers  []identity.PublicKey

	newPeerSignal chan struct{}

	log *slog.Logger
}

// New builds an empty Router.
func New(log *slog.Logger) *Router {
	return &Router{
		rings:         make(map[identity.PublicKey]*peerRing),
		newPeerSignal: make(chan struct{}, 1),
		log:           log.With("component", "router"),
	}
}

// NotifyNewPeer enqueues key onto the newly-connected-peer FIFO
// consulted by the 10% candidate branch, and wakes any blocked
// RequestRoute call.
func (r *Router) NotifyNewPeer(key identity.PublicKey) {
	r.newPeerMu.Lock()
	r.newPeers = append(r.newPeers, key)
	r.newPeerMu.Unlock()

	select {
	case r.newPeerSignal <- struct{}{}:
	default:
	}
}

// RecordEvent appends one forwarding outcome to peer's ring.
func (r *Router) RecordEvent(peer identity.PublicKey, e PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.rings[peer]
	if !ok {
		ring = &peerRing{}
		r.rings[peer] = ring
	}
	ring.record(e)
}

// RemovePeer discards a peer's scoring history (session ended).
func (r *Router) RemovePeer(peer identity.PublicKey) {
	r.mu.Lock()
	delete(r.rings, peer)
	r.mu.Unlock()
}

// PeerStat is a snapshot of one peer's forwarding score, for
// diagnostics.
type PeerStat struct {
	Peer  identity.PublicKey
	Score float64
}

// Stats returns a snapshot of every scored peer's current score.
func (r *Router) Stats() []PeerStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerStat, 0, len(r.rings))
	for peer, ring := range r.rings {
		out = append(out, PeerStat{Peer: peer, Score: ring.sum()})
	}
	return out
}

func (r *Router) popNewPeer() (identity.PublicKey, bool) {
	r.newPeerMu.Lock()
	defer r.newPeerMu.Unlock()
	if len(r.newPeers) == 0 {
		return identity.PublicKey{}, false
	}
	key := r.newPeers[0]
	r.newPeers = r.newPeers[1:]
	return key, true
}

// bestScored returns the connected peer with the highest event-sum
// score. It never excludes origin: whether a packet may actually be
// sent back to origin is a send-time decision, not a scoring one.
func (r *Router) bestScored() (identity.PublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best      identity.PublicKey
		bestScore float64
		found     bool
	)
	for peer, ring := range r.rings {
		s := ring.sum()
		if !found || s > bestScore {
			best, bestScore, found = peer, s, true
		}
	}
	return best, found
}

// RequestRoute blocks (respecting ctx) until it can enqueue pkt onto
// some forwarding peer's write channel, retrying on a closed channel
// or absent candidate, and returns the peer it forwarded to.
func (r *Router) RequestRoute(ctx context.Context, origin identity.PublicKey, pkt wire.Packet, out Outbound) (identity.PublicKey, error) {
	if pkt.Destination == nil {
		r.log.Error("transit packet with no destination reached the router", "source", pkt.Source)
		return identity.PublicKey{}, errNoDestination{}
	}

	triesUntilReturnToSenderAllowed := LoopbackOverrideThreshold
	for {
		candidate, ok := r.chooseCandidate()
		if ok && (candidate != origin || triesUntilReturnToSenderAllowed == 0) {
			start := time.Now()
			err := out.Enqueue(candidate, pkt)
			if err == nil {
				r.RecordEvent(candidate, PeerEvent{TimeTaken: time.Since(start)})
				return candidate, nil
			}
			if err == ErrPeerGone {
				r.RemovePeer(candidate)
				continue
			}
			r.RecordEvent(candidate, PeerEvent{TimeTaken: time.Since(start), Failed: true})
			return identity.PublicKey{}, err
		}

		// No candidate at all, or the only candidate is origin and the
		// loopback override hasn't kicked in yet: count this refusal
		// and wait before retrying.
		if triesUntilReturnToSenderAllowed > 0 {
			triesUntilReturnToSenderAllowed--
		}
		select {
		case <-ctx.Done():
			return identity.PublicKey{}, ctx.Err()
		case <-r.newPeerSignal:
		case <-time.After(RetryWait):
		}
	}
}

func (r *Router) chooseCandidate() (identity.PublicKey, bool) {
	if fastRandBelow10() {
		if peer, ok := r.popNewPeer(); ok {
			return peer, true
		}
	}
	return r.bestScored()
}

type errNoDestination struct{}

func (errNoDestination) Error() string { return "router: packet has no destination" }
