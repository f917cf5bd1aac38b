// Package transport defines the driver contract every carrier (TCP,
// UDP, WebSocket, Bluetooth L2CAP) implements, and the concrete
// drivers themselves. A transport is parameterized by a single
// Protocol value and presents a duplex, packet-framed byte channel to
// one peer at a time.
package transport

import (
	"github.com/fullbrightkay/routeweaver/internal/peer"
	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// Conn is one established duplex connection to a single remote peer.
type Conn interface {
	ReadPacket() (wire.Packet, error)
	WritePacket(pkt wire.Packet) error
	Close() error
}

// Driver is the transport driver contract named in the spec: dial out,
// accept inbound, and enumerate local addresses worth advertising.
type Driver interface {
	Protocol() peer.Protocol
	Connect(addr peer.Address) (Conn, error)
	Accept() (Conn, peer.Address, error)
	LocalAddresses() []peer.Address
	Close() error
}
