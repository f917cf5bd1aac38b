// Package daemon wires every subsystem into one running mesh node:
// identity, shared state, the handshake driver, the router, the
// message handler, one session supervisor per live connection, every
// configured transport and discovery driver, the address book, the
// IPC bridge, and the diagnostics API. It generalizes the teacher's
// single VL1/VL2/TAP Agent into an arbitrary set of transport and
// discovery drivers chosen at startup from config.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fullbrightkay/routeweaver/internal/adminapi"
	"github.com/fullbrightkay/routeweaver/internal/config"
	"github.com/fullbrightkay/routeweaver/internal/discovery"
	"github.com/fullbrightkay/routeweaver/internal/handshake"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/ipc"
	"github.com/fullbrightkay/routeweaver/internal/messagehandler"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/router"
	"github.com/fullbrightkay/routeweaver/internal/session"
	"github.com/fullbrightkay/routeweaver/internal/store"
	"github.com/fullbrightkay/routeweaver/internal/transport"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// InitiateQueueCapacity bounds every per-protocol initiator queue fed
// by discovery and by PeerSuggestion replies (spec.md §5: 10-100).
const InitiateQueueCapacity = discovery.InitiateQueueCapacity

// Daemon is one running routeweaver node.
type Daemon struct {
	self *identity.Identity
	cfg  *config.Config
	log  *slog.Logger

	state    *meshstate.State
	hsDriver *handshake.Driver
	rt       *router.Router
	handler  *messagehandler.Handler
	book     *store.Store
	ipc      *ipc.Server
	admin    *adminapi.Server

	transports map[peer.Protocol]transport.Driver
	discovery  []discovery.Driver
	glue       *discovery.Glue

	deniedAddrs map[string]struct{}

	sessions sessionRegistry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// sessionRegistry tracks every peer with a completed handshake so a
// locally-initiated IPC Connect (which names a destination key, not a
// live duplex) has somewhere to deliver its RequestConnection message.
type sessionRegistry struct {
	mu    sync.Mutex
	peers map[identity.PublicKey]messagehandler.Sender
}

func (r *sessionRegistry) register(key identity.PublicKey, sender messagehandler.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers == nil {
		r.peers = make(map[identity.PublicKey]messagehandler.Sender)
	}
	r.peers[key] = sender
}

func (r *sessionRegistry) unregister(key identity.PublicKey) {
	r.mu.Lock()
	delete(r.peers, key)
	r.mu.Unlock()
}

// SendMessage implements ipc.Sender by forwarding to whichever live
// session owns dst.
func (r *sessionRegistry) SendMessage(dst identity.PublicKey, msg wire.Message) error {
	r.mu.Lock()
	sender, ok := r.peers[dst]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: no live session to peer %s", dst)
	}
	return sender.SendMessage(dst, msg)
}

// transitSink adapts the router and shared outbound queues into the
// session.RouterSink the reader loop hands transit packets to.
type transitSink struct {
	ctx   context.Context
	rt    *router.Router
	state *meshstate.State
	log   *slog.Logger
}

func (t *transitSink) HandleTransit(pkt wire.Packet) {
	go func() {
		if _, err := t.rt.RequestRoute(t.ctx, pkt.Source, pkt, outboundQueues{t.state}); err != nil {
			t.log.Debug("dropping undeliverable transit packet", "error", err)
		}
	}()
}

// outboundQueues implements router.Outbound over meshstate's per-peer
// outbound channels.
type outboundQueues struct {
	state *meshstate.State
}

func (o outboundQueues) Enqueue(p identity.PublicKey, pkt wire.Packet) (err error) {
	defer func() {
		if recover() != nil {
			err = router.ErrPeerGone
		}
	}()
	if _, connected := o.state.Transport(p); !connected {
		return router.ErrPeerGone
	}
	select {
	case o.state.OutboundQueue(p) <- pkt:
		return nil
	default:
		return fmt.Errorf("daemon: outbound queue full for peer %s", p)
	}
}

// New builds every subsystem from cfg but starts nothing; call Run to
// start serving. configPath is where a freshly generated identity (or
// denied-peer-free config) gets persisted back; ipcBaseDir is the
// filesystem root for the local application socket layout.
func New(cfg *config.Config, configPath, ipcBaseDir string, log *slog.Logger) (*Daemon, error) {
	id, err := cfg.ResolveIdentity(configPath)
	if err != nil {
		return nil, err
	}
	log.Info("identity resolved", "public_key", id.Public.String())

	book, err := store.Open(cfg.AddressBookPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open address book: %w", err)
	}

	state := meshstate.New()
	hsDriver := handshake.New(id, state, log)
	rt := router.New(log)

	transports, err := buildTransports(cfg.TransportConfig)
	if err != nil {
		book.Close()
		return nil, err
	}

	discoveryDrivers, err := buildDiscovery(cfg.DiscoveryConfig)
	if err != nil {
		book.Close()
		return nil, err
	}

	d := &Daemon{
		self:        id,
		cfg:         cfg,
		log:         log,
		state:       state,
		hsDriver:    hsDriver,
		rt:          rt,
		book:        book,
		transports:  transports,
		discovery:   discoveryDrivers,
		deniedAddrs: make(map[string]struct{}),
	}
	d.glue = discovery.New(state, discoveryDrivers, log)

	if !cfg.RoutingOnly {
		ipcServer, err := ipc.New(ipcBaseDir, &d.sessions, log)
		if err != nil {
			book.Close()
			return nil, fmt.Errorf("daemon: start ipc: %w", err)
		}
		d.ipc = ipcServer
	}

	var bridge messagehandler.IPCBridge
	if d.ipc != nil {
		bridge = d.ipc
	}
	d.handler = messagehandler.New(id.Public, state, d.localAddresses, bridge, InitiateQueueCapacity, log)

	if cfg.AdminListen != "" {
		d.admin = adminapi.New(state, rt, hsDriver, adminapi.DeriveSecret(id.Private), log)
	}

	denied, errs := cfg.ParsedInitialDeniedPeers()
	for _, e := range errs {
		log.Warn("skipping malformed denied peer entry", "error", e)
	}
	for _, p := range denied {
		d.deniedAddrs[p.Key()] = struct{}{}
	}

	return d, nil
}

func buildTransports(cfg map[string]map[string]any) (map[peer.Protocol]transport.Driver, error) {
	out := make(map[peer.Protocol]transport.Driver, len(cfg))
	for name, opts := range cfg {
		proto, err := peer.ParseProtocol(name)
		if err != nil {
			return nil, fmt.Errorf("daemon: transport_config: %w", err)
		}
		switch proto {
		case peer.ProtocolTCP:
			drv, err := transport.NewTCP(uint16(intOpt(opts, "port", 9990)))
			if err != nil {
				return nil, fmt.Errorf("daemon: start tcp transport: %w", err)
			}
			out[proto] = drv
		case peer.ProtocolUDP:
			drv, err := transport.NewUDP(uint16(intOpt(opts, "port", 9990)))
			if err != nil {
				return nil, fmt.Errorf("daemon: start udp transport: %w", err)
			}
			out[proto] = drv
		case peer.ProtocolWS, peer.ProtocolWSS:
			drv, err := transport.NewWS(uint16(intOpt(opts, "port", 9991)), proto == peer.ProtocolWSS)
			if err != nil {
				return nil, fmt.Errorf("daemon: start ws transport: %w", err)
			}
			out[proto] = drv
		case peer.ProtocolBluetooth:
			drv, err := transport.NewBluetooth(uint16(intOpt(opts, "psm", 0x1001)))
			if err != nil {
				return nil, fmt.Errorf("daemon: start bluetooth transport: %w", err)
			}
			out[proto] = drv
		default:
			return nil, fmt.Errorf("daemon: unsupported transport %q", name)
		}
	}
	return out, nil
}

func buildDiscovery(cfg map[string]map[string]any) ([]discovery.Driver, error) {
	var out []discovery.Driver
	for name := range cfg {
		switch name {
		case "udp":
			drv, err := discovery.NewUDP()
			if err != nil {
				return nil, fmt.Errorf("daemon: start udp discovery: %w", err)
			}
			out = append(out, drv)
		case "bluetooth":
			out = append(out, discovery.NewBluetooth())
		default:
			return nil, fmt.Errorf("daemon: unsupported discovery driver %q", name)
		}
	}
	return out, nil
}

func intOpt(opts map[string]any, key string, fallback int) int {
	v, ok := opts[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}

func (d *Daemon) localAddresses() []peer.Peer {
	var out []peer.Peer
	for _, drv := range d.transports {
		out = append(out, drv.LocalAddresses()...)
	}
	return out
}

// Run starts every driver's accept/dial loops, discovery, and the
// admin API, and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer d.book.Close()

	sink := &transitSink{ctx: ctx, rt: d.rt, state: d.state, log: d.log}

	for proto, drv := range d.transports {
		d.wg.Add(1)
		go d.acceptLoop(ctx, drv, sink)

		d.wg.Add(1)
		go d.dialLoop(ctx, proto, drv, sink)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.glue.Run(ctx)
	}()

	d.seedInitialPeers()

	if d.ipc != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.ipc.Run(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("ipc server stopped", "error", err)
			}
		}()
	}

	if d.admin != nil {
		// Not tracked by d.wg: gin's Run has no context-aware shutdown,
		// matching the teacher's own controller, which never shuts its
		// HTTP server down gracefully either.
		go func() {
			if err := d.admin.Run(d.cfg.AdminListen); err != nil {
				d.log.Error("admin API stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	d.wg.Wait()
	return nil
}

// Stop cancels every running subsystem. Accept loops block on their
// driver's Accept call, so their listeners are closed too, letting
// Run's wait-group drain and Run return.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, drv := range d.transports {
		_ = drv.Close()
	}
	for _, drv := range d.discovery {
		_ = drv.Close()
	}
}

func (d *Daemon) seedInitialPeers() {
	configured, errs := d.cfg.ParsedInitialPeers()
	for _, e := range errs {
		d.log.Warn("skipping malformed initial peer entry", "error", e)
	}
	seeded, err := d.book.SeedPeers()
	if err != nil {
		d.log.Warn("failed to load address book seed peers", "error", err)
	}
	for _, p := range configured {
		d.enqueueInitiate(p)
	}
	for _, p := range seeded {
		d.enqueueInitiate(p)
	}
}

func (d *Daemon) enqueueInitiate(p peer.Peer) {
	if d.isDenied(p) {
		return
	}
	q := d.state.InitiateQueue(p.Protocol, InitiateQueueCapacity)
	select {
	case q <- p:
	default:
		d.log.Debug("initiate queue full, dropping seed peer", "peer", p)
	}
}

func (d *Daemon) isDenied(p peer.Peer) bool {
	_, ok := d.deniedAddrs[p.Key()]
	return ok
}

// acceptLoop accepts inbound duplexes on drv and runs a responder
// session supervisor for each one.
func (d *Daemon) acceptLoop(ctx context.Context, drv transport.Driver, sink *transitSink) {
	defer d.wg.Done()
	for {
		conn, addr, err := drv.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.Warn("accept failed", "protocol", drv.Protocol(), "error", err)
				continue
			}
		}
		via := peer.Peer{Protocol: drv.Protocol(), Address: addr}
		if d.isDenied(via) {
			d.log.Info("rejecting connection from denied address", "addr", addr)
			_ = conn.Close()
			continue
		}
		go d.runSession(ctx, sink, conn, via, false, nil)
	}
}

// dialLoop drains drv's protocol initiator queue and dials each
// candidate in its own initiator session.
func (d *Daemon) dialLoop(ctx context.Context, proto peer.Protocol, drv transport.Driver, sink *transitSink) {
	defer d.wg.Done()
	q := d.state.InitiateQueue(proto, InitiateQueueCapacity)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-q:
			if d.isDenied(p) {
				d.log.Debug("skipping denied peer", "peer", p)
				continue
			}
			conn, err := drv.Connect(p.Address)
			if err != nil {
				d.log.Debug("dial failed", "peer", p, "error", err)
				continue
			}
			go d.runSession(ctx, sink, conn, p, true, nil)
		}
	}
}

// runSession drives one session supervisor to completion, registering
// and deregistering it from the session registry as its handshake
// completes and its duplex closes.
func (d *Daemon) runSession(ctx context.Context, sink *transitSink, conn transport.Conn, via peer.Peer, initiator bool, targetKey *identity.PublicKey) {
	var connectedKey identity.PublicKey
	onConnected := func(key identity.PublicKey, sender messagehandler.Sender) {
		connectedKey = key
		d.sessions.register(key, sender)
		d.rt.NotifyNewPeer(key)
		if err := d.book.Remember(key, via); err != nil {
			d.log.Debug("failed to record address book entry", "peer", key, "error", err)
		}
	}

	sup := session.New(d.self, d.state, d.hsDriver, sink, d.handler, conn, initiator, targetKey, d.cfg.Anonymous, onConnected, d.log)
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		d.log.Debug("session ended", "error", err)
	}
	if connectedKey != (identity.PublicKey{}) {
		d.sessions.unregister(connectedKey)
		d.rt.RemovePeer(connectedKey)
	}
}
