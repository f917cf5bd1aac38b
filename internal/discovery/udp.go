package discovery

import (
	"fmt"
	"net"

	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// AnnouncePort is the fixed UDP port used for both multicast and
// broadcast discovery announcements.
const AnnouncePort = 4343

var (
	multicastGroup = net.ParseIP("ff02::1")
	broadcastAddr  = net.ParseIP("255.255.255.255")
)

// UDP discovers peers by broadcasting/multicasting announced Peer
// values bincoded over UDP port 4343, and listening for the same.
type UDP struct {
	conn *net.UDPConn
}

// NewUDP binds the shared discovery socket.
func NewUDP() (*UDP, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: AnnouncePort})
	if err != nil {
		return nil, fmt.Errorf("discovery/udp: listen: %w", err)
	}
	return &UDP{conn: conn}, nil
}

// Announce bincodes each peer and sends it to both the IPv6 multicast
// group and the IPv4 broadcast address on the announce port.
func (u *UDP) Announce(peers []peer.Peer) error {
	for _, p := range peers {
		msg := wire.Message{Kind: wire.MsgPeerSuggestion, Peers: []peer.Peer{p}}
		buf, err := wire.EncodeMessage(&msg)
		if err != nil {
			return fmt.Errorf("discovery/udp: encode announcement: %w", err)
		}
		_, _ = u.conn.WriteToUDP(buf, &net.UDPAddr{IP: broadcastAddr, Port: AnnouncePort})
		_, _ = u.conn.WriteToUDP(buf, &net.UDPAddr{IP: multicastGroup, Port: AnnouncePort})
	}
	return nil
}

// Discover reads announcement datagrams until the socket is closed,
// decoding each into the peers it carries.
func (u *UDP) Discover(out chan<- peer.Peer, errs chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			select {
			case errs <- fmt.Errorf("discovery/udp: decode announcement: %w", err):
			default:
			}
			continue
		}
		for _, p := range msg.Peers {
			select {
			case out <- p:
			default:
			}
		}
	}
}

func (u *UDP) Close() error { return u.conn.Close() }
