package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

const connectTimeout = 10 * time.Second

// TCP is a stream transport driver: one Packet per length-framed
// write, recovered on read via the codec's short-read buffering.
type TCP struct {
	listener net.Listener
	port     uint16
}

// NewTCP binds a TCP listener on the given port (0 picks an ephemeral
// port, useful for tests).
func NewTCP(port uint16) (*TCP, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport/tcp: listen: %w", err)
	}
	actual := ln.Addr().(*net.TCPAddr).Port
	return &TCP{listener: ln, port: uint16(actual)}, nil
}

func (t *TCP) Protocol() peer.Protocol { return peer.ProtocolTCP }

func (t *TCP) Connect(addr peer.Address) (Conn, error) {
	if addr.IP == nil {
		return nil, fmt.Errorf("transport/tcp: address has no IP endpoint")
	}
	target := net.JoinHostPort(addr.IP.Addr.String(), fmt.Sprintf("%d", addr.IP.Port))
	conn, err := net.DialTimeout("tcp", target, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport/tcp: dial %s: %w", target, err)
	}
	return newStreamConn(conn), nil
}

func (t *TCP) Accept() (Conn, peer.Address, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		return nil, peer.Address{}, err
	}
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	addr := peer.Address{}
	if ok {
		addr.IP = &peer.IPAddress{Addr: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
	}
	return newStreamConn(conn), addr, nil
}

func (t *TCP) LocalAddresses() []peer.Address {
	return localIPAddresses(t.port)
}

func (t *TCP) Close() error { return t.listener.Close() }

// streamConn adapts a stream net.Conn to the packet-framed Conn
// contract for the TCP driver; the WebSocket driver uses wsConn.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *streamConn) ReadPacket() (wire.Packet, error) {
	return wire.ReadPacket(c.r)
}

func (c *streamConn) WritePacket(pkt wire.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WritePacket(c.conn, &pkt)
}

func (c *streamConn) Close() error { return c.conn.Close() }

func localIPAddresses(port uint16) []peer.Address {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []peer.Address
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		out = append(out, peer.Address{IP: &peer.IPAddress{Addr: ipNet.IP, Port: port}})
	}
	return out
}
