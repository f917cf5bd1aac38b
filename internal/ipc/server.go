// Package ipc implements the local Unix-domain-socket protocol
// applications use to listen for and open mesh connections: a control
// socket carrying Listen/Connect/Accept/Deny, and a one-shot auth'd
// stream socket per accepted connection carrying length-framed Data.
package ipc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/messagehandler"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// Sender sends an application Message to a peer over its live session.
// Aliased to messagehandler.Sender (rather than redeclared) so that
// *Server satisfies messagehandler.IPCBridge's identical method set.
type Sender = messagehandler.Sender

type pendingInbound struct {
	from   identity.PublicKey
	app    string
	sender Sender
	conn   net.Conn // the Listen-claimant's control connection
}

type pendingOutbound struct {
	dst  identity.PublicKey
	conn net.Conn // the Connect caller's control connection
}

// Server is the IPC bridge: it owns the control socket, the Listen
// claim table, and every active stream's data channel.
type Server struct {
	baseDir     string
	serviceDir  string
	streamsDir  string
	socketPath  string
	peerSender  Sender
	log         *slog.Logger
	nextCID     atomic.Uint32

	mu        sync.Mutex
	listeners map[string]net.Conn
	inbound   map[wire.ConnectionID]*pendingInbound
	outbound  map[wire.ConnectionID]*pendingOutbound
	active    map[wire.ConnectionID]chan []byte

	listener net.Listener
}

// New creates the IPC base directory layout under baseDir (spec: base
// `/run/routeweaver`, subdirs `service/` and `service/streams/`) and
// returns an unstarted Server.
func New(baseDir string, peerSender Sender, log *slog.Logger) (*Server, error) {
	serviceDir := filepath.Join(baseDir, "service")
	streamsDir := filepath.Join(serviceDir, "streams")
	if err := os.MkdirAll(streamsDir, 0o700); err != nil {
		return nil, fmt.Errorf("ipc: create service directories: %w", err)
	}
	return &Server{
		baseDir:    baseDir,
		serviceDir: serviceDir,
		streamsDir: streamsDir,
		socketPath: filepath.Join(serviceDir, "ipc"),
		peerSender: peerSender,
		log:        log.With("component", "ipc"),
		listeners: make(map[string]net.Conn),
		inbound:   make(map[wire.ConnectionID]*pendingInbound),
		outbound:  make(map[wire.ConnectionID]*pendingOutbound),
		active:    make(map[wire.ConnectionID]chan []byte),
	}, nil
}

// Run binds the control socket and serves client connections until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: bind control socket %s: %w", s.socketPath, err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		go s.handleControl(ctx, conn)
	}
}

func (s *Server) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readControlFrame(conn)
		if err != nil {
			s.forgetConn(conn)
			return
		}
		switch frame.Tag {
		case ctagListen:
			s.handleListen(conn, frame.App)
		case ctagConnect:
			s.handleConnect(conn, frame.App, frame.Destination)
		case ctagAccept:
			s.handleAccept(wire.ConnectionID(frame.CID))
		case ctagDeny:
			s.handleDeny(wire.ConnectionID(frame.CID))
		default:
			_ = writeControlFrame(conn, controlFrame{Tag: ctagError, Message: "unexpected client frame"})
		}
	}
}

func (s *Server) handleListen(conn net.Conn, app string) {
	s.mu.Lock()
	_, claimed := s.listeners[app]
	if !claimed {
		s.listeners[app] = conn
	}
	s.mu.Unlock()

	if claimed {
		_ = writeControlFrame(conn, controlFrame{Tag: ctagError, Message: "application id already claimed"})
		return
	}
	_ = writeControlFrame(conn, controlFrame{Tag: ctagSuccess})
}

func (s *Server) handleConnect(conn net.Conn, app string, dst identity.PublicKey) {
	cid := wire.ConnectionID(s.nextCID.Add(1))
	s.mu.Lock()
	s.outbound[cid] = &pendingOutbound{dst: dst, conn: conn}
	s.mu.Unlock()

	if err := s.peerSender.SendMessage(dst, wire.Message{Kind: wire.MsgRequestConnection, App: app}); err != nil {
		s.mu.Lock()
		delete(s.outbound, cid)
		s.mu.Unlock()
		_ = writeControlFrame(conn, controlFrame{Tag: ctagError, Message: err.Error()})
		return
	}
	_ = writeControlFrame(conn, controlFrame{Tag: ctagSuccess})
}

func (s *Server) handleAccept(cid wire.ConnectionID) {
	s.mu.Lock()
	in, ok := s.inbound[cid]
	if ok {
		delete(s.inbound, cid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	path, token, err := s.openStream(cid, in.from)
	if err != nil {
		s.log.Warn("failed to open accepted stream", "cid", cid, "error", err)
		return
	}
	_ = in.sender.SendMessage(in.from, wire.Message{Kind: wire.MsgConnectionAccepted, CID: cid, App: in.app})
	_ = writeControlFrame(in.conn, controlFrame{Tag: ctagStream, SocketPath: path, Token: token})
}

func (s *Server) handleDeny(cid wire.ConnectionID) {
	s.mu.Lock()
	in, ok := s.inbound[cid]
	if ok {
		delete(s.inbound, cid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = in.sender.SendMessage(in.from, wire.Message{Kind: wire.MsgConnectionDenied, App: in.app})
}

func (s *Server) forgetConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for app, c := range s.listeners {
		if c == conn {
			delete(s.listeners, app)
		}
	}
}

// openStream allocates a fresh stream socket and auth token for cid
// and starts accepting the local application's single connection to
// it, forwarding whatever it sends onward to peer.
func (s *Server) openStream(cid wire.ConnectionID, peer identity.PublicKey) (string, [TokenSize]byte, error) {
	var token [TokenSize]byte
	if _, err := rand.Read(token[:]); err != nil {
		return "", token, fmt.Errorf("ipc: generate stream token: %w", err)
	}

	path := filepath.Join(s.streamsDir, fmt.Sprintf("%d.sock", uint32(cid)))
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return "", token, fmt.Errorf("ipc: bind stream socket: %w", err)
	}

	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.active[cid] = ch
	s.mu.Unlock()

	go s.serveStream(l, cid, token, peer, ch)

	return path, token, nil
}

var errAuthFailed = errors.New("ipc: stream auth failed")

func (s *Server) serveStream(l net.Listener, cid wire.ConnectionID, token [TokenSize]byte, peer identity.PublicKey, out chan []byte) {
	defer l.Close()
	defer s.removeActive(cid)

	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = os.Remove(l.Addr().String())

	if err := authenticateStream(conn, token); err != nil {
		s.log.Debug("stream auth failed", "cid", cid, "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, err := readStreamFrame(conn)
			if err != nil {
				return
			}
			if frame.Tag != stagData {
				continue
			}
			if err := s.peerSender.SendMessage(peer, wire.Message{Kind: wire.MsgConnectionData, CID: cid, Data: frame.Data}); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-out:
			if !ok {
				return
			}
			if err := writeStreamFrame(conn, streamFrame{Tag: stagData, Data: data}); err != nil {
				return
			}
		}
	}
}

func authenticateStream(conn net.Conn, token [TokenSize]byte) error {
	frame, err := readStreamFrame(conn)
	if err != nil {
		return err
	}
	if frame.Tag != stagAuth || frame.Token != token {
		_ = writeStreamFrame(conn, streamFrame{Tag: stagAuthFailure})
		return errAuthFailed
	}
	return writeStreamFrame(conn, streamFrame{Tag: stagAuthSuccess})
}

func (s *Server) removeActive(cid wire.ConnectionID) {
	s.mu.Lock()
	if ch, ok := s.active[cid]; ok {
		close(ch)
		delete(s.active, cid)
	}
	s.mu.Unlock()
}

// --- messagehandler.IPCBridge ---

// RequestConnection records an inbound connection request from peer
// for application app. If no application has claimed app via Listen,
// claimed is false and the caller must deny immediately.
func (s *Server) RequestConnection(from identity.PublicKey, app string, sender Sender) (wire.ConnectionID, bool) {
	s.mu.Lock()
	conn, claimed := s.listeners[app]
	s.mu.Unlock()
	if !claimed {
		return 0, false
	}

	cid := wire.ConnectionID(s.nextCID.Add(1))
	s.mu.Lock()
	s.inbound[cid] = &pendingInbound{from: from, app: app, sender: sender, conn: conn}
	s.mu.Unlock()

	if err := writeControlFrame(conn, controlFrame{Tag: ctagIncoming, CID: uint32(cid), From: from, App: app}); err != nil {
		s.mu.Lock()
		delete(s.inbound, cid)
		s.mu.Unlock()
		return 0, false
	}
	return cid, true
}

// ResolveOutbound completes a pending local Connect call: on accept it
// opens the stream socket and pushes it to the caller; on denial it
// reports the failure and forgets the pending entry.
func (s *Server) ResolveOutbound(cid wire.ConnectionID, accepted bool, app string) {
	s.mu.Lock()
	out, ok := s.outbound[cid]
	if ok {
		delete(s.outbound, cid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if !accepted {
		_ = writeControlFrame(out.conn, controlFrame{Tag: ctagError, Message: "connection denied"})
		return
	}

	path, token, err := s.openStream(cid, out.dst)
	if err != nil {
		s.log.Warn("failed to open outbound stream", "cid", cid, "error", err)
		_ = writeControlFrame(out.conn, controlFrame{Tag: ctagError, Message: err.Error()})
		return
	}
	_ = writeControlFrame(out.conn, controlFrame{Tag: ctagStream, SocketPath: path, Token: token})
}

// DeliverData forwards inbound stream bytes from the remote peer to
// the local application's stream socket for cid.
func (s *Server) DeliverData(cid wire.ConnectionID, data []byte) error {
	s.mu.Lock()
	ch, ok := s.active[cid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ipc: no active stream for cid %d", cid)
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("ipc: stream backlog full for cid %d", cid)
	}
}

// CloseConnection tears down the local stream endpoint for cid.
func (s *Server) CloseConnection(cid wire.ConnectionID) bool {
	s.mu.Lock()
	_, ok := s.active[cid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.removeActive(cid)
	return true
}
