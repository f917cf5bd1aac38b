package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

const udpReadQueueDepth = 32

// UDP is a datagram transport driver: exactly one Packet per datagram,
// demultiplexed by source address over a single shared socket.
type UDP struct {
	conn *net.UDPConn
	port uint16

	mu      sync.Mutex
	peers   map[string]*udpConn
	pending chan *udpConn

	closeOnce sync.Once
}

// NewUDP binds a UDP socket on the given port.
func NewUDP(port uint16) (*UDP, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport/udp: listen: %w", err)
	}
	actual := conn.LocalAddr().(*net.UDPAddr).Port
	u := &UDP{
		conn:    conn,
		port:    uint16(actual),
		peers:   make(map[string]*udpConn),
		pending: make(chan *udpConn, 16),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) Protocol() peer.Protocol { return peer.ProtocolUDP }

func (u *UDP) readLoop() {
	buf := make([]byte, 65*1024)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := wire.DecodeDatagram(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue // malformed datagram, drop silently
		}
		c := u.connFor(addr, true)
		select {
		case c.in <- pkt:
		default:
			// reader too slow; drop this datagram rather than block
			// the shared socket's single reader goroutine.
		}
	}
}

func (u *UDP) connFor(addr *net.UDPAddr, signalNew bool) *udpConn {
	key := addr.String()
	u.mu.Lock()
	c, ok := u.peers[key]
	if !ok {
		c = &udpConn{udp: u, addr: addr, in: make(chan wire.Packet, udpReadQueueDepth)}
		u.peers[key] = c
	}
	u.mu.Unlock()
	if !ok && signalNew {
		select {
		case u.pending <- c:
		default:
		}
	}
	return c
}

func (u *UDP) Connect(addr peer.Address) (Conn, error) {
	if addr.IP == nil {
		return nil, fmt.Errorf("transport/udp: address has no IP endpoint")
	}
	return u.connFor(&net.UDPAddr{IP: addr.IP.Addr, Port: int(addr.IP.Port)}, false), nil
}

func (u *UDP) Accept() (Conn, peer.Address, error) {
	c, ok := <-u.pending
	if !ok {
		return nil, peer.Address{}, fmt.Errorf("transport/udp: closed")
	}
	return c, peer.Address{IP: &peer.IPAddress{Addr: c.addr.IP, Port: uint16(c.addr.Port)}}, nil
}

func (u *UDP) LocalAddresses() []peer.Address {
	return localIPAddresses(u.port)
}

func (u *UDP) Close() error {
	u.closeOnce.Do(func() { close(u.pending) })
	return u.conn.Close()
}

// udpConn is one peer's demultiplexed view of the shared UDP socket.
type udpConn struct {
	udp  *UDP
	addr *net.UDPAddr
	in   chan wire.Packet
}

func (c *udpConn) ReadPacket() (wire.Packet, error) {
	pkt, ok := <-c.in
	if !ok {
		return wire.Packet{}, fmt.Errorf("transport/udp: connection closed")
	}
	return pkt, nil
}

func (c *udpConn) WritePacket(pkt wire.Packet) error {
	buf := pkt.Encode(make([]byte, 0, 128+len(pkt.Data)))
	_, err := c.udp.conn.WriteToUDP(buf, c.addr)
	return err
}

func (c *udpConn) Close() error {
	c.udp.mu.Lock()
	delete(c.udp.peers, c.addr.String())
	c.udp.mu.Unlock()
	return nil
}
