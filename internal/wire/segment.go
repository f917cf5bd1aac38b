package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxBodiesPerMessage bounds a message's body index range to [0, 511].
const MaxBodiesPerMessage = 512

// SegmentKind distinguishes the three MessageSegment payload variants.
type SegmentKind uint8

const (
	SegmentHead SegmentKind = iota
	SegmentBody
	SegmentProgress
)

// Range is a half-open [Start, End) body index range.
type Range struct {
	Start, End uint16
}

// Segment is the decrypted payload carried inside a ciphertext Packet.
type Segment struct {
	ID      uint16
	Kind    SegmentKind
	Head    HeadPayload
	Body    BodyPayload
	Progress ProgressPayload
}

// HeadPayload announces how many Body segments make up a message.
type HeadPayload struct {
	BodyCount   uint16 // NonZero<u16>
	Compression bool
}

// BodyPayload carries one indexed slice of message data.
type BodyPayload struct {
	Index uint16
	Data  []byte
}

// ProgressPayload is the assembler's confirmation feedback: which
// segments of a message it has already committed.
type ProgressPayload struct {
	ConfirmedHead   bool
	ConfirmedBodies []Range
}

// EncodeSegment serializes a Segment for sealing by the channel layer.
func EncodeSegment(s *Segment) ([]byte, error) {
	buf := make([]byte, 0, 16+len(s.Body.Data))
	var idBuf [2]byte
	binary.LittleEndian.PutUint16(idBuf[:], s.ID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, byte(s.Kind))

	switch s.Kind {
	case SegmentHead:
		if s.Head.BodyCount == 0 {
			return nil, fmt.Errorf("wire: head body_count must be nonzero")
		}
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], s.Head.BodyCount)
		buf = append(buf, n[:]...)
		if s.Head.Compression {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}

	case SegmentBody:
		if len(s.Body.Data) == 0 || len(s.Body.Data) > MaxPacketPayloadSize {
			return nil, fmt.Errorf("wire: body data length %d out of range", len(s.Body.Data))
		}
		var idx [2]byte
		binary.LittleEndian.PutUint16(idx[:], s.Body.Index)
		buf = append(buf, idx[:]...)
		buf = appendUvarint(buf, uint64(len(s.Body.Data)))
		buf = append(buf, s.Body.Data...)

	case SegmentProgress:
		if s.Progress.ConfirmedHead {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUvarint(buf, uint64(len(s.Progress.ConfirmedBodies)))
		for _, rg := range s.Progress.ConfirmedBodies {
			var pair [4]byte
			binary.LittleEndian.PutUint16(pair[0:2], rg.Start)
			binary.LittleEndian.PutUint16(pair[2:4], rg.End)
			buf = append(buf, pair[:]...)
		}

	default:
		return nil, fmt.Errorf("wire: unknown segment kind %d", s.Kind)
	}
	return buf, nil
}

// DecodeSegment parses a decrypted Segment. Rejects any Body.data
// larger than MaxPacketPayloadSize, any Head.body_count of zero, and
// any segment id outside u16 (structurally impossible here since id
// is always read as a fixed uint16, but the range is documented for
// callers that build a Segment by hand).
func DecodeSegment(buf []byte) (Segment, error) {
	r := &reader{buf: buf}
	var s Segment

	var idBuf [2]byte
	if !r.readFull(idBuf[:]) {
		return Segment{}, ErrTruncated
	}
	s.ID = binary.LittleEndian.Uint16(idBuf[:])

	kindByte, ok := r.readByte()
	if !ok {
		return Segment{}, ErrTruncated
	}
	s.Kind = SegmentKind(kindByte)

	switch s.Kind {
	case SegmentHead:
		var n [2]byte
		if !r.readFull(n[:]) {
			return Segment{}, ErrTruncated
		}
		s.Head.BodyCount = binary.LittleEndian.Uint16(n[:])
		if s.Head.BodyCount == 0 {
			return Segment{}, fmt.Errorf("wire: head body_count is zero")
		}
		compByte, ok := r.readByte()
		if !ok {
			return Segment{}, ErrTruncated
		}
		s.Head.Compression = compByte != 0

	case SegmentBody:
		var idx [2]byte
		if !r.readFull(idx[:]) {
			return Segment{}, ErrTruncated
		}
		s.Body.Index = binary.LittleEndian.Uint16(idx[:])
		n, ok := r.readUvarint()
		if !ok {
			return Segment{}, ErrTruncated
		}
		if n == 0 || n > MaxPacketPayloadSize {
			return Segment{}, fmt.Errorf("wire: body data length %d out of range", n)
		}
		data := make([]byte, n)
		if !r.readFull(data) {
			return Segment{}, ErrTruncated
		}
		s.Body.Data = data

	case SegmentProgress:
		confByte, ok := r.readByte()
		if !ok {
			return Segment{}, ErrTruncated
		}
		s.Progress.ConfirmedHead = confByte != 0
		count, ok := r.readUvarint()
		if !ok {
			return Segment{}, ErrTruncated
		}
		if count > MaxBodiesPerMessage {
			return Segment{}, fmt.Errorf("wire: confirmed range count %d out of range", count)
		}
		ranges := make([]Range, 0, count)
		for i := uint64(0); i < count; i++ {
			var pair [4]byte
			if !r.readFull(pair[:]) {
				return Segment{}, ErrTruncated
			}
			ranges = append(ranges, Range{
				Start: binary.LittleEndian.Uint16(pair[0:2]),
				End:   binary.LittleEndian.Uint16(pair[2:4]),
			})
		}
		s.Progress.ConfirmedBodies = ranges

	default:
		return Segment{}, fmt.Errorf("wire: unknown segment kind %d", s.Kind)
	}

	if r.pos != len(buf) {
		return Segment{}, ErrTrailingBytes
	}
	return s, nil
}
