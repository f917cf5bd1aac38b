package transport

import (
	"net"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

func loopbackAddr(t *testing.T, drv Driver) peer.Address {
	t.Helper()
	addrs := drv.LocalAddresses()
	if len(addrs) == 0 {
		t.Fatal("driver reported no local addresses")
	}
	addr := addrs[0]
	if addr.IP != nil {
		addr.IP.Addr = net.ParseIP("127.0.0.1")
	}
	return addr
}

func testPacket() wire.Packet {
	var src identity.PublicKey
	src[0] = 1
	return wire.Packet{Source: src, Kind: wire.PayloadHandshake, Data: []byte("hello")}
}

// runRoundTrip dials from its own client driver into server's listener
// and checks a packet makes it both ways. UDP demultiplexes every peer
// off one shared socket, so server and client must be distinct driver
// instances even on loopback — a single instance playing both roles
// would register itself as its own peer on Connect and Accept would
// never see a new address to signal.
func runRoundTrip(t *testing.T, server, client Driver) {
	t.Helper()
	defer server.Close()
	defer client.Close()

	addr := loopbackAddr(t, server)
	done := make(chan error, 1)
	go func() {
		conn, _, err := server.Accept()
		if err != nil {
			done <- err
			return
		}
		pkt, err := conn.ReadPacket()
		if err != nil {
			done <- err
			return
		}
		if string(pkt.Data) != "hello" {
			done <- nil
			return
		}
		done <- conn.WritePacket(pkt)
	}()

	clientConn, err := client.Connect(addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := testPacket()
	if err := clientConn.WritePacket(want); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server side never responded")
	}

	got, err := clientConn.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Fatalf("got data %q, want %q", got.Data, "hello")
	}
}

func TestTCPRoundTrip(t *testing.T) {
	server, err := NewTCP(0)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	client, err := NewTCP(0)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	runRoundTrip(t, server, client)
}

func TestUDPRoundTrip(t *testing.T) {
	server, err := NewUDP(0)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	client, err := NewUDP(0)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	runRoundTrip(t, server, client)
}

func TestTCPProtocolAndLocalAddresses(t *testing.T) {
	drv, err := NewTCP(0)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	defer drv.Close()

	if drv.Protocol() != peer.ProtocolTCP {
		t.Fatalf("Protocol() = %v, want tcp", drv.Protocol())
	}
	addrs := drv.LocalAddresses()
	if len(addrs) == 0 || addrs[0].IP == nil {
		t.Fatal("expected at least one IP local address")
	}
}
