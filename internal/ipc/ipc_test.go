package ipc

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

type recordingSender struct {
	sent []wire.Message
}

func (r *recordingSender) SendMessage(_ identity.PublicKey, msg wire.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func startServer(t *testing.T, sender Sender) *Server {
	t.Helper()
	s, err := New(t.TempDir(), sender, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	// give Run a moment to bind the control socket
	for i := 0; i < 100; i++ {
		if conn, err := net.Dial("unix", s.socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(time.Millisecond)
	}
	return s
}

func TestListenClaimIsExclusive(t *testing.T) {
	sender := &recordingSender{}
	s := startServer(t, sender)

	c1, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	if err := writeControlFrame(c1, controlFrame{Tag: ctagListen, App: "myapp0"}); err != nil {
		t.Fatal(err)
	}
	reply, err := readControlFrame(c1)
	if err != nil || reply.Tag != ctagSuccess {
		t.Fatalf("expected Success, got %+v err=%v", reply, err)
	}

	c2, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if err := writeControlFrame(c2, controlFrame{Tag: ctagListen, App: "myapp0"}); err != nil {
		t.Fatal(err)
	}
	reply2, err := readControlFrame(c2)
	if err != nil || reply2.Tag != ctagError {
		t.Fatalf("expected Error for duplicate claim, got %+v err=%v", reply2, err)
	}
}

func TestInboundAcceptOpensAuthenticatedStream(t *testing.T) {
	sender := &recordingSender{}
	s := startServer(t, sender)

	listenerConn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer listenerConn.Close()
	if err := writeControlFrame(listenerConn, controlFrame{Tag: ctagListen, App: "chat01"}); err != nil {
		t.Fatal(err)
	}
	if reply, err := readControlFrame(listenerConn); err != nil || reply.Tag != ctagSuccess {
		t.Fatalf("Listen failed: %+v %v", reply, err)
	}

	from := identity.PublicKey{1, 2, 3}
	cid, claimed := s.RequestConnection(from, "chat01", sender)
	if !claimed {
		t.Fatalf("expected claim to succeed")
	}

	incoming, err := readControlFrame(listenerConn)
	if err != nil || incoming.Tag != ctagIncoming || incoming.CID != uint32(cid) {
		t.Fatalf("expected Incoming push, got %+v err=%v", incoming, err)
	}

	if err := writeControlFrame(listenerConn, controlFrame{Tag: ctagAccept, CID: uint32(cid)}); err != nil {
		t.Fatal(err)
	}

	streamMsg, err := readControlFrame(listenerConn)
	if err != nil || streamMsg.Tag != ctagStream {
		t.Fatalf("expected Stream push, got %+v err=%v", streamMsg, err)
	}

	if len(sender.sent) != 1 || sender.sent[0].Kind != wire.MsgConnectionAccepted {
		t.Fatalf("expected a ConnectionAccepted reply to the peer, got %+v", sender.sent)
	}

	streamConn, err := net.Dial("unix", filepath.Join(streamMsg.SocketPath))
	if err != nil {
		t.Fatalf("dial stream socket: %v", err)
	}
	defer streamConn.Close()

	if err := writeStreamFrame(streamConn, streamFrame{Tag: stagAuth, Token: streamMsg.Token}); err != nil {
		t.Fatal(err)
	}
	authReply, err := readStreamFrame(streamConn)
	if err != nil || authReply.Tag != stagAuthSuccess {
		t.Fatalf("expected AuthSuccess, got %+v err=%v", authReply, err)
	}

	if err := writeStreamFrame(streamConn, streamFrame{Tag: stagData, Data: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(sender.sent) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for forwarded data, sent=%+v", sender.sent)
		}
		time.Sleep(time.Millisecond)
	}
	if sender.sent[1].Kind != wire.MsgConnectionData || string(sender.sent[1].Data) != "hello" {
		t.Fatalf("expected forwarded Data message, got %+v", sender.sent[1])
	}

	if err := s.DeliverData(cid, []byte("world")); err != nil {
		t.Fatalf("DeliverData: %v", err)
	}
	frame, err := readStreamFrame(streamConn)
	if err != nil || frame.Tag != stagData || string(frame.Data) != "world" {
		t.Fatalf("expected pushed Data frame, got %+v err=%v", frame, err)
	}
}

func TestAuthFailureRejectsWrongToken(t *testing.T) {
	sender := &recordingSender{}
	s := startServer(t, sender)

	path, token, err := s.openStream(wire.ConnectionID(99), identity.PublicKey{9})
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	_ = token

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var wrong [TokenSize]byte
	wrong[0] = 0xff
	if err := writeStreamFrame(conn, streamFrame{Tag: stagAuth, Token: wrong}); err != nil {
		t.Fatal(err)
	}
	reply, err := readStreamFrame(conn)
	if err != nil || reply.Tag != stagAuthFailure {
		t.Fatalf("expected AuthFailure, got %+v err=%v", reply, err)
	}
}

func TestRequestConnectionDeniedWhenUnclaimed(t *testing.T) {
	sender := &recordingSender{}
	s := startServer(t, sender)

	_, claimed := s.RequestConnection(identity.PublicKey{7}, "nobody", sender)
	if claimed {
		t.Fatalf("expected no claim for an app nobody listened on")
	}
}
