// Package peer defines the (protocol, address) tuple used to reach a
// node, independent of the node's PublicKey identity.
package peer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol identifies a transport or discovery carrier.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolWS
	ProtocolWSS
	ProtocolBluetooth
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolWS:
		return "ws"
	case ProtocolWSS:
		return "wss"
	case ProtocolBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol parses a protocol token case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "ws":
		return ProtocolWS, nil
	case "wss":
		return ProtocolWSS, nil
	case "bluetooth":
		return ProtocolBluetooth, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// Address is either an IP endpoint or a Bluetooth endpoint.
type Address struct {
	IP        *IPAddress
	Bluetooth *BluetoothAddress
}

// IPAddress is an IPv4 or IPv6 endpoint.
type IPAddress struct {
	Addr net.IP
	Port uint16
}

// BluetoothAddress is a Bluetooth device MAC plus an L2CAP PSM.
type BluetoothAddress struct {
	MAC [6]byte
	PSM uint16
}

func (a BluetoothAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3], a.MAC[4], a.MAC[5])
}

// Peer is a (protocol, address) tuple — a network neighbor, not an
// identity. A single PublicKey may be reachable through many Peers.
type Peer struct {
	Protocol Protocol
	Address  Address
}

// String renders the canonical textual form:
//
//	/<protocol>/ip/<ipv4|ipv6>/<port>
//	/<protocol>/bluetooth/<HH:HH:HH:HH:HH:HH>/<psm>
func (p Peer) String() string {
	if p.Address.IP != nil {
		family := "ip"
		return fmt.Sprintf("/%s/%s/%s/%d", p.Protocol, family, p.Address.IP.Addr, p.Address.IP.Port)
	}
	if p.Address.Bluetooth != nil {
		return fmt.Sprintf("/%s/bluetooth/%s/%d", p.Protocol, p.Address.Bluetooth, p.Address.Bluetooth.PSM)
	}
	return fmt.Sprintf("/%s/<empty>", p.Protocol)
}

// Parse parses the canonical textual peer form. The family token is
// case-insensitive, and Protocol parsing is case-insensitive too.
func Parse(s string) (Peer, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 4 {
		return Peer{}, fmt.Errorf("invalid peer text %q: expected 4 segments", s)
	}
	proto, err := ParseProtocol(parts[0])
	if err != nil {
		return Peer{}, err
	}
	family := strings.ToLower(parts[1])
	switch family {
	case "ip":
		ip := net.ParseIP(parts[2])
		if ip == nil {
			return Peer{}, fmt.Errorf("invalid IP %q", parts[2])
		}
		port, err := strconv.ParseUint(parts[3], 10, 16)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid port %q: %w", parts[3], err)
		}
		return Peer{
			Protocol: proto,
			Address:  Address{IP: &IPAddress{Addr: ip, Port: uint16(port)}},
		}, nil
	case "bluetooth":
		mac, err := parseMAC(parts[2])
		if err != nil {
			return Peer{}, err
		}
		psm, err := strconv.ParseUint(parts[3], 10, 16)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid psm %q: %w", parts[3], err)
		}
		return Peer{
			Protocol: proto,
			Address:  Address{Bluetooth: &BluetoothAddress{MAC: mac, PSM: uint16(psm)}},
		}, nil
	default:
		return Peer{}, fmt.Errorf("unknown address family %q", parts[1])
	}
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("MAC %q must be 6 bytes", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

// Key returns a value suitable for use as a concurrent-map key (net.IP
// is a slice and cannot key a map directly).
func (p Peer) Key() string {
	return p.String()
}
