package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

func TestPacketRoundTrip(t *testing.T) {
	src, _ := identity.Generate()
	dst, _ := identity.Generate()
	dstKey := dst.Public

	pkt := Packet{
		Source:      src.Public,
		Destination: &dstKey,
		Kind:        PayloadCiphertext,
		Data:        []byte("hello"),
	}

	buf := pkt.Encode(nil)
	got, consumed, err := DecodePacket(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if got.Source != pkt.Source || *got.Destination != dstKey || !bytes.Equal(got.Data, pkt.Data) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestPacketNoDestination(t *testing.T) {
	src, _ := identity.Generate()
	pkt := Packet{Source: src.Public, Kind: PayloadHandshake, Data: []byte{1, 2, 3}}
	buf := pkt.Encode(nil)
	got, err := DecodeDatagram(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Destination != nil {
		t.Fatalf("expected nil destination, got %v", got.Destination)
	}
}

func TestPacketTrailingBytesRejected(t *testing.T) {
	src, _ := identity.Generate()
	pkt := Packet{Source: src.Public, Kind: PayloadHandshake, Data: []byte{1}}
	buf := append(pkt.Encode(nil), 0xff)
	if _, err := DecodeDatagram(buf); err != ErrTrailingBytes {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestOversizedHandshakeRejected(t *testing.T) {
	src, _ := identity.Generate()
	pkt := Packet{Source: src.Public, Kind: PayloadHandshake, Data: make([]byte, MaxHandshakePayload+1)}
	buf := pkt.Encode(nil)
	if _, err := DecodeDatagram(buf); err == nil {
		t.Fatalf("expected oversized handshake to be rejected")
	}
}

func TestSegmentHeadRoundTrip(t *testing.T) {
	seg := Segment{ID: 42, Kind: SegmentHead, Head: HeadPayload{BodyCount: 3, Compression: true}}
	buf, err := EncodeSegment(&seg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 42 || got.Head.BodyCount != 3 || !got.Head.Compression {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestSegmentHeadZeroBodyCountRejected(t *testing.T) {
	seg := Segment{ID: 1, Kind: SegmentHead, Head: HeadPayload{BodyCount: 0}}
	if _, err := EncodeSegment(&seg); err == nil {
		t.Fatalf("expected zero body_count to be rejected")
	}
}

func TestSegmentBodyRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	seg := Segment{ID: 7, Kind: SegmentBody, Body: BodyPayload{Index: 2, Data: data}}
	buf, err := EncodeSegment(&seg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Body.Index != 2 || !bytes.Equal(got.Body.Data, data) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestSegmentOversizedBodyRejected(t *testing.T) {
	seg := Segment{ID: 1, Kind: SegmentBody, Body: BodyPayload{Index: 0, Data: make([]byte, MaxPacketPayloadSize+1)}}
	if _, err := EncodeSegment(&seg); err == nil {
		t.Fatalf("expected oversized body to be rejected")
	}
}

func TestSegmentProgressRoundTrip(t *testing.T) {
	seg := Segment{
		ID:   5,
		Kind: SegmentProgress,
		Progress: ProgressPayload{
			ConfirmedHead:   true,
			ConfirmedBodies: []Range{{Start: 0, End: 2}, {Start: 5, End: 9}},
		},
	}
	buf, err := EncodeSegment(&seg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSegment(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Progress.ConfirmedHead || len(got.Progress.ConfirmedBodies) != 2 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestMessageDataRoundTrip(t *testing.T) {
	m := Message{Kind: MsgConnectionData, CID: 99, Data: []byte("payload")}
	buf, err := EncodeMessage(&m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CID != 99 || !bytes.Equal(got.Data, m.Data) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestMessagePeerSuggestionRoundTrip(t *testing.T) {
	m := Message{
		Kind: MsgPeerSuggestion,
		Peers: []peer.Peer{
			{Protocol: peer.ProtocolTCP, Address: peer.Address{IP: &peer.IPAddress{Addr: net.ParseIP("10.0.0.1"), Port: 1234}}},
		},
	}
	buf, err := EncodeMessage(&m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Peers) != 1 || got.Peers[0].Protocol != peer.ProtocolTCP {
		t.Fatalf("mismatch: %+v", got)
	}
}
