// Package messagehandler interprets decoded application-level Messages
// received from a peer and dispatches the side effects named in the
// spec: replying with local addresses, seeding discovery queues,
// and bridging connection lifecycle events to the local IPC surface.
package messagehandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// PeerSuggestionThrottle is the DoS-dampening delay between successive
// initiator-queue submissions drawn from one PeerSuggestion message.
const PeerSuggestionThrottle = 10 * time.Second

// Sender replies to the peer that sent the message being handled.
type Sender interface {
	SendMessage(dst identity.PublicKey, msg wire.Message) error
}

// IPCBridge is the local-application-facing half of connection
// lifecycle handling; internal/ipc implements it.
type IPCBridge interface {
	// RequestConnection records an inbound connection request from
	// peer for application app, returning the cid assigned and
	// whether any application has claimed that id via Listen. When
	// claimed is true, the bridge itself is responsible for calling
	// sender.SendMessage with ConnectionAccepted/ConnectionDenied once
	// the local application responds via the IPC Accept{cid}/Deny{cid}
	// verbs — the handler does not wait for that response inline.
	RequestConnection(from identity.PublicKey, app string, sender Sender) (cid wire.ConnectionID, claimed bool)
	// ResolveOutbound completes a pending local Connect call keyed by
	// cid, reporting whether the remote accepted.
	ResolveOutbound(cid wire.ConnectionID, accepted bool, app string)
	// DeliverData forwards inbound stream bytes to the local stream
	// endpoint for cid. A send failure means the local side is gone
	// and the entry should be evicted.
	DeliverData(cid wire.ConnectionID, data []byte) error
	// CloseConnection removes the local inbound data channel for cid.
	CloseConnection(cid wire.ConnectionID) bool
}

// Handler dispatches decoded Messages arriving from one peer.
type Handler struct {
	self        identity.PublicKey
	state       *meshstate.State
	localAddrs  func() []peer.Peer
	ipc         IPCBridge
	log         *slog.Logger
	initiateCap int
}

// New builds a Handler.
func New(self identity.PublicKey, state *meshstate.State, localAddrs func() []peer.Peer, ipc IPCBridge, initiateQueueCapacity int, log *slog.Logger) *Handler {
	return &Handler{
		self:        self,
		state:       state,
		localAddrs:  localAddrs,
		ipc:         ipc,
		log:         log.With("component", "messagehandler"),
		initiateCap: initiateQueueCapacity,
	}
}

// Handle dispatches one Message received from peer n via sender.
func (h *Handler) Handle(ctx context.Context, n identity.PublicKey, msg wire.Message, sender Sender) {
	switch msg.Kind {
	case wire.MsgRequestPeerSuggestion:
		h.handleRequestPeerSuggestion(n, sender)

	case wire.MsgPeerSuggestion:
		go h.handlePeerSuggestion(ctx, msg.Peers)

	case wire.MsgRequestConnection:
		h.handleRequestConnection(n, msg.App, sender)

	case wire.MsgConnectionAccepted:
		if h.ipc != nil {
			h.ipc.ResolveOutbound(msg.CID, true, msg.App)
		}

	case wire.MsgConnectionDenied:
		if h.ipc != nil {
			h.ipc.ResolveOutbound(msg.CID, false, msg.App)
		}

	case wire.MsgConnectionHeartbeat:
		// reserved: accepted and ignored

	case wire.MsgConnectionClose:
		if h.ipc == nil || !h.ipc.CloseConnection(msg.CID) {
			h.log.Info("connection close for unknown cid", "peer", n, "cid", msg.CID)
		}

	case wire.MsgConnectionData:
		if h.ipc != nil {
			if err := h.ipc.DeliverData(msg.CID, msg.Data); err != nil {
				h.log.Debug("evicting cid after delivery failure", "cid", msg.CID, "error", err)
				h.ipc.CloseConnection(msg.CID)
			}
		}

	default:
		h.log.Warn("unknown message kind", "peer", n, "kind", msg.Kind)
	}
}

func (h *Handler) handleRequestPeerSuggestion(n identity.PublicKey, sender Sender) {
	reply := wire.Message{Kind: wire.MsgPeerSuggestion, Peers: h.localAddrs()}
	if err := sender.SendMessage(n, reply); err != nil {
		h.log.Warn("failed to reply with peer suggestion", "peer", n, "error", err)
	}
}

// handlePeerSuggestion submits each suggested peer to its protocol's
// initiator queue, sleeping between submissions so a single hostile
// PeerSuggestion cannot trigger a connection storm.
func (h *Handler) handlePeerSuggestion(ctx context.Context, peers []peer.Peer) {
	for i, p := range peers {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(PeerSuggestionThrottle):
			}
		}
		q := h.state.InitiateQueue(p.Protocol, h.initiateCap)
		select {
		case q <- p:
		default:
			h.log.Debug("initiate queue full, dropping suggestion", "peer", p)
		}
	}
}

// handleRequestConnection hands the request to the IPC bridge, which
// owns the Listen-claim table and the eventual Accept{cid}/Deny{cid}
// reply. If nothing claimed the application id, or no bridge is wired
// at all, the request is denied immediately.
func (h *Handler) handleRequestConnection(n identity.PublicKey, app string, sender Sender) {
	if h.ipc == nil {
		h.log.Warn("no IPC bridge configured, denying connection request", "peer", n, "app", app)
		_ = sender.SendMessage(n, wire.Message{Kind: wire.MsgConnectionDenied, App: app})
		return
	}
	if _, claimed := h.ipc.RequestConnection(n, app, sender); !claimed {
		_ = sender.SendMessage(n, wire.Message{Kind: wire.MsgConnectionDenied, App: app})
	}
}
