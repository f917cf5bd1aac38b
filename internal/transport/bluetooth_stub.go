//go:build !linux

package transport

import (
	"fmt"

	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// stubBluetooth reports no local addresses and refuses every dial on
// platforms without a raw AF_BLUETOOTH socket implementation. It keeps
// the protocol constructible by the daemon's buildTransports so non-Linux builds compile and
// discovery/config plumbing exercises the Bluetooth code paths without
// doing anything on an unsupported OS.
type stubBluetooth struct{}

// NewBluetooth returns the stub driver on non-Linux platforms.
func NewBluetooth(uint16) (Bluetooth, error) {
	return &stubBluetooth{}, nil
}

func (*stubBluetooth) Protocol() peer.Protocol { return peer.ProtocolBluetooth }

func (*stubBluetooth) Connect(peer.Address) (Conn, error) {
	return nil, fmt.Errorf("transport/bluetooth: not supported on this platform")
}

func (*stubBluetooth) Accept() (Conn, peer.Address, error) {
	return nil, peer.Address{}, fmt.Errorf("transport/bluetooth: not supported on this platform")
}

func (*stubBluetooth) LocalAddresses() []peer.Address { return nil }

func (*stubBluetooth) Close() error { return nil }
