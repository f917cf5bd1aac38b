package transport

import "github.com/fullbrightkay/routeweaver/internal/peer"

// Bluetooth is the L2CAP transport driver. Platform support is
// provided by bluetooth_linux.go (real raw AF_BLUETOOTH sockets) or
// bluetooth_stub.go (every other GOOS), following the same build-tag
// split the teacher uses for its TAP device.
type Bluetooth interface {
	Driver
}

// btAddressToPeer renders a MAC+PSM pair as a peer.Address; used by
// the Linux driver.
func btAddressToPeer(mac [6]byte, psm uint16) peer.Address {
	return peer.Address{Bluetooth: &peer.BluetoothAddress{MAC: mac, PSM: psm}}
}
