// Package wire implements the bit-exact, little-endian, variable-length
// wire format shared by every transport. There are no magic bytes: a
// stream transport recovers framing by reading the varint length
// prefix; a datagram transport carries exactly one packet per datagram
// and rejects trailing bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fullbrightkay/routeweaver/internal/identity"
)

// MaxHandshakePayload is the largest handshake message the codec will
// accept inside a Packet.
const MaxHandshakePayload = 128

// MaxPacketPayloadSize bounds a single Body segment's data length.
const MaxPacketPayloadSize = 63 * 1024

var (
	ErrTruncated       = errors.New("wire: truncated input")
	ErrTrailingBytes   = errors.New("wire: trailing bytes after packet")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds limit")
	ErrSelfSourced     = errors.New("wire: packet sourced from self")
	ErrLoopback        = errors.New("wire: destination equals source")
)

// PayloadKind distinguishes the two Packet data variants.
type PayloadKind uint8

const (
	PayloadHandshake PayloadKind = iota
	PayloadCiphertext
)

// Packet is one on-the-wire unit produced by the codec.
type Packet struct {
	Source      identity.PublicKey
	Destination *identity.PublicKey // nil == "one-hop, identity hint only"
	Kind        PayloadKind
	Data        []byte // Handshake(<=128) or an encrypted MessageSegment
}

// Validate enforces the unconditional drop rules from the data model:
// a Packet sourced from self, or whose destination equals its source,
// must never be processed.
func (p *Packet) Validate(self identity.PublicKey) error {
	if p.Source == self {
		return ErrSelfSourced
	}
	if p.Destination != nil && *p.Destination == p.Source {
		return ErrLoopback
	}
	if p.Kind == PayloadHandshake && len(p.Data) > MaxHandshakePayload {
		return fmt.Errorf("%w: handshake payload %d > %d", ErrPayloadTooLarge, len(p.Data), MaxHandshakePayload)
	}
	return nil
}

// Encode appends the packet's wire encoding to dst and returns it.
func (p *Packet) Encode(dst []byte) []byte {
	dst = append(dst, p.Source[:]...)
	if p.Destination == nil {
		dst = append(dst, 0)
	} else {
		dst = append(dst, 1)
		dst = append(dst, p.Destination[:]...)
	}
	dst = append(dst, byte(p.Kind))
	dst = appendUvarint(dst, uint64(len(p.Data)))
	dst = append(dst, p.Data...)
	return dst
}

// DecodePacket parses exactly one packet from buf. For datagram
// transports the caller must treat any unconsumed suffix as an error
// (TrailingBytes); for stream transports the caller re-slices buf to
// the consumed prefix and keeps the remainder buffered.
func DecodePacket(buf []byte) (pkt Packet, consumed int, err error) {
	r := &reader{buf: buf}

	if !r.readFull(pkt.Source[:]) {
		return Packet{}, 0, ErrTruncated
	}
	hasDst, ok := r.readByte()
	if !ok {
		return Packet{}, 0, ErrTruncated
	}
	switch hasDst {
	case 0:
		// no destination
	case 1:
		var dst identity.PublicKey
		if !r.readFull(dst[:]) {
			return Packet{}, 0, ErrTruncated
		}
		pkt.Destination = &dst
	default:
		return Packet{}, 0, fmt.Errorf("wire: invalid destination flag %d", hasDst)
	}

	kindByte, ok := r.readByte()
	if !ok {
		return Packet{}, 0, ErrTruncated
	}
	pkt.Kind = PayloadKind(kindByte)

	n, ok := r.readUvarint()
	if !ok {
		return Packet{}, 0, ErrTruncated
	}
	if pkt.Kind == PayloadHandshake && n > MaxHandshakePayload {
		return Packet{}, 0, fmt.Errorf("%w: handshake payload %d > %d", ErrPayloadTooLarge, n, MaxHandshakePayload)
	}
	if n > MaxPacketPayloadSize {
		return Packet{}, 0, fmt.Errorf("%w: payload %d > %d", ErrPayloadTooLarge, n, MaxPacketPayloadSize)
	}
	data := make([]byte, n)
	if !r.readFull(data) {
		return Packet{}, 0, ErrTruncated
	}
	pkt.Data = data

	return pkt, r.pos, nil
}

// DecodeDatagram decodes exactly one packet and rejects trailing bytes,
// as required for UDP/Bluetooth L2CAP transports.
func DecodeDatagram(buf []byte) (Packet, error) {
	pkt, consumed, err := DecodePacket(buf)
	if err != nil {
		return Packet{}, err
	}
	if consumed != len(buf) {
		return Packet{}, ErrTrailingBytes
	}
	return pkt, nil
}

// ReadPacket reads one length-delimited packet from a stream, growing
// buf as needed to accommodate the declared length (the "additional
// buffer reserved as signaled by the decoder" short-read recovery
// named in spec.md §4.1).
func ReadPacket(r io.Reader) (Packet, error) {
	var header [32 + 1]byte // source + dst-flag; the destination, if any, precedes the kind
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}
	var pkt Packet
	copy(pkt.Source[:], header[:32])
	hasDst := header[32]

	if hasDst == 1 {
		var dst identity.PublicKey
		if _, err := io.ReadFull(r, dst[:]); err != nil {
			return Packet{}, err
		}
		pkt.Destination = &dst
	} else if hasDst != 0 {
		return Packet{}, fmt.Errorf("wire: invalid destination flag %d", hasDst)
	}

	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return Packet{}, err
	}
	pkt.Kind = PayloadKind(kindByte[0])

	n, err := binary.ReadUvarint(&byteReader{r: r})
	if err != nil {
		return Packet{}, err
	}
	if pkt.Kind == PayloadHandshake && n > MaxHandshakePayload {
		return Packet{}, fmt.Errorf("%w: handshake payload %d > %d", ErrPayloadTooLarge, n, MaxHandshakePayload)
	}
	if n > MaxPacketPayloadSize {
		return Packet{}, fmt.Errorf("%w: payload %d > %d", ErrPayloadTooLarge, n, MaxPacketPayloadSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, err
	}
	pkt.Data = data
	return pkt, nil
}

// WritePacket writes one length-delimited packet to a stream.
func WritePacket(w io.Writer, pkt *Packet) error {
	buf := pkt.Encode(make([]byte, 0, 64+len(pkt.Data)))
	_, err := w.Write(buf)
	return err
}

// --- small helpers ---

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readFull(dst []byte) bool {
	if len(r.buf)-r.pos < len(dst) {
		return false
	}
	copy(dst, r.buf[r.pos:])
	r.pos += len(dst)
	return true
}

func (r *reader) readByte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) readUvarint() (uint64, bool) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, false
	}
	r.pos += n
	return v, true
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// byteReader adapts an io.Reader to io.ByteReader for binary.ReadUvarint.
type byteReader struct {
	r io.Reader
}

func (br *byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
