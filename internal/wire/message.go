package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// MessageKind identifies one of the application-level Message variants.
type MessageKind uint8

const (
	MsgRequestPeerSuggestion MessageKind = iota
	MsgPeerSuggestion
	MsgRequestConnection
	MsgConnectionAccepted
	MsgConnectionDenied
	MsgConnectionHeartbeat
	MsgConnectionClose
	MsgConnectionData
)

// ConnectionID identifies one IPC-facing virtual stream.
type ConnectionID uint32

// Message is one application-level unit, after compression and
// segmentation have been reversed by the assembler.
type Message struct {
	Kind MessageKind

	Peers []peer.Peer // PeerSuggestion

	App string // RequestConnection / ConnectionAccepted / ConnectionDenied

	CID ConnectionID // ConnectionAccepted / ConnectionDenied / Heartbeat / Close / Data

	Data []byte // ConnectionData
}

// EncodeMessage serializes a Message for the disassembler to segment.
func EncodeMessage(m *Message) ([]byte, error) {
	buf := []byte{byte(m.Kind)}
	switch m.Kind {
	case MsgRequestPeerSuggestion:
		// no payload

	case MsgPeerSuggestion:
		buf = appendUvarint(buf, uint64(len(m.Peers)))
		for _, p := range m.Peers {
			buf = appendString(buf, p.String())
		}

	case MsgRequestConnection, MsgConnectionAccepted, MsgConnectionDenied:
		if m.Kind != MsgRequestConnection {
			var cid [4]byte
			binary.LittleEndian.PutUint32(cid[:], uint32(m.CID))
			buf = append(buf, cid[:]...)
		}
		buf = appendString(buf, m.App)

	case MsgConnectionHeartbeat, MsgConnectionClose:
		var cid [4]byte
		binary.LittleEndian.PutUint32(cid[:], uint32(m.CID))
		buf = append(buf, cid[:]...)

	case MsgConnectionData:
		var cid [4]byte
		binary.LittleEndian.PutUint32(cid[:], uint32(m.CID))
		buf = append(buf, cid[:]...)
		buf = appendUvarint(buf, uint64(len(m.Data)))
		buf = append(buf, m.Data...)

	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
	return buf, nil
}

// DecodeMessage parses a Message from reassembled message bytes.
func DecodeMessage(buf []byte) (Message, error) {
	r := &reader{buf: buf}
	var m Message

	kindByte, ok := r.readByte()
	if !ok {
		return Message{}, ErrTruncated
	}
	m.Kind = MessageKind(kindByte)

	switch m.Kind {
	case MsgRequestPeerSuggestion:
		// no payload

	case MsgPeerSuggestion:
		count, ok := r.readUvarint()
		if !ok {
			return Message{}, ErrTruncated
		}
		peers := make([]peer.Peer, 0, count)
		for i := uint64(0); i < count; i++ {
			s, ok := r.readString()
			if !ok {
				return Message{}, ErrTruncated
			}
			p, err := peer.Parse(s)
			if err != nil {
				return Message{}, fmt.Errorf("wire: decode suggested peer: %w", err)
			}
			peers = append(peers, p)
		}
		m.Peers = peers

	case MsgRequestConnection:
		app, ok := r.readString()
		if !ok {
			return Message{}, ErrTruncated
		}
		m.App = app

	case MsgConnectionAccepted, MsgConnectionDenied:
		var cid [4]byte
		if !r.readFull(cid[:]) {
			return Message{}, ErrTruncated
		}
		m.CID = ConnectionID(binary.LittleEndian.Uint32(cid[:]))
		app, ok := r.readString()
		if !ok {
			return Message{}, ErrTruncated
		}
		m.App = app

	case MsgConnectionHeartbeat, MsgConnectionClose:
		var cid [4]byte
		if !r.readFull(cid[:]) {
			return Message{}, ErrTruncated
		}
		m.CID = ConnectionID(binary.LittleEndian.Uint32(cid[:]))

	case MsgConnectionData:
		var cid [4]byte
		if !r.readFull(cid[:]) {
			return Message{}, ErrTruncated
		}
		m.CID = ConnectionID(binary.LittleEndian.Uint32(cid[:]))
		n, ok := r.readUvarint()
		if !ok {
			return Message{}, ErrTruncated
		}
		data := make([]byte, n)
		if !r.readFull(data) {
			return Message{}, ErrTruncated
		}
		m.Data = data

	default:
		return Message{}, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}

	if r.pos != len(buf) {
		return Message{}, ErrTrailingBytes
	}
	return m, nil
}

func appendString(dst []byte, s string) []byte {
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func (r *reader) readString() (string, bool) {
	n, ok := r.readUvarint()
	if !ok {
		return "", false
	}
	if uint64(len(r.buf)-r.pos) < n {
		return "", false
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, true
}
