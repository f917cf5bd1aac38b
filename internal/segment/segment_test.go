package segment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/fullbrightkay/routeweaver/internal/wire"
)

func feed(a *Assembler, segs []wire.Segment) {
	for _, s := range segs {
		switch s.Kind {
		case wire.SegmentHead:
			a.FeedHead(s.ID, s.Head)
		case wire.SegmentBody:
			a.FeedBody(s.ID, s.Body)
		}
	}
}

func TestRoundTripSinglePermutationIndependent(t *testing.T) {
	d := NewDisassembler(0, false)
	msg := &wire.Message{Kind: wire.MsgConnectionData, CID: 7, Data: []byte("hello, mesh")}
	_, segs, err := d.Enqueue(msg)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	perm := append([]wire.Segment(nil), segs...)
	rand.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	a := NewAssembler()
	feed(a, perm)
	out := a.Drain()
	if len(out) != 1 || out[0].ID != 0 {
		t.Fatalf("expected one delivered message at id 0, got %+v", out)
	}
	got, err := wire.DecodeMessage(out[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CID != 7 || !bytes.Equal(got.Data, msg.Data) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestMonotonicIDs(t *testing.T) {
	d := NewDisassembler(0, false)
	for i := 0; i < 3; i++ {
		id, _, err := d.Enqueue(&wire.Message{Kind: wire.MsgRequestPeerSuggestion})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if id != uint16(i) {
			t.Fatalf("expected id %d, got %d", i, id)
		}
	}
}

func TestCompressionOracle(t *testing.T) {
	random := make([]byte, 200)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	zeroed := make([]byte, 21)

	for _, data := range [][]byte{random, zeroed} {
		d := NewDisassembler(0, false)
		_, segs, err := d.Enqueue(&wire.Message{Kind: wire.MsgConnectionData, Data: data})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		a := NewAssembler()
		feed(a, segs)
		out := a.Drain()
		if len(out) != 1 {
			t.Fatalf("expected delivery, got %+v", out)
		}
		got, err := wire.DecodeMessage(out[0].Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got.Data, data) {
			t.Fatalf("round-trip mismatch for payload of len %d", len(data))
		}
	}
}

func TestOutOfOrderTwoMessages(t *testing.T) {
	a := NewAssembler()
	a.FeedHead(0, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: []byte{0, 1, 2}})
	a.FeedHead(1, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(1, wire.BodyPayload{Index: 0, Data: []byte{3, 4, 5}})

	out := a.Drain()
	if len(out) != 2 || out[0].ID != 0 || out[1].ID != 1 {
		t.Fatalf("expected ids 0 then 1, got %+v", out)
	}
}

func TestLyingHeadDropsOnlyThatSlot(t *testing.T) {
	full := bytes.Repeat([]byte{0xAA}, MaxPacketPayloadSize)
	a := NewAssembler()
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: full})
	a.FeedBody(0, wire.BodyPayload{Index: 1, Data: full})
	a.FeedBody(0, wire.BodyPayload{Index: 2, Data: full})
	a.FeedBody(0, wire.BodyPayload{Index: 3, Data: full})
	a.FeedHead(0, wire.HeadPayload{BodyCount: 1}) // lying: claims 1 but 4 bodies arrived

	a.FeedHead(1, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(1, wire.BodyPayload{Index: 0, Data: []byte("x")})

	out := a.Drain()
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("expected only id 1 delivered, got %+v", out)
	}
}

func TestDuplicateBodyIdempotent(t *testing.T) {
	a := NewAssembler()
	a.FeedHead(0, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: []byte("same")})
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: []byte("same")})

	out := a.Drain()
	if len(out) != 1 || !bytes.Equal(out[0].Data, []byte("same")) {
		t.Fatalf("expected idempotent duplicate to deliver once: %+v", out)
	}
}

func TestConflictingDuplicateBodyKillsSlot(t *testing.T) {
	a := NewAssembler()
	a.FeedHead(0, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: []byte("aaaa")})
	a.FeedBody(0, wire.BodyPayload{Index: 0, Data: []byte("b")}) // different length, same index

	a.FeedHead(1, wire.HeadPayload{BodyCount: 1})
	a.FeedBody(1, wire.BodyPayload{Index: 0, Data: []byte("ok")})

	out := a.Drain()
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("expected id 0 to be dropped, only id 1 delivered: %+v", out)
	}
}

func TestDisassemblerRetiresFullyConfirmedMessage(t *testing.T) {
	d := NewDisassembler(0, false)
	_, segs, err := d.Enqueue(&wire.Message{Kind: wire.MsgConnectionHeartbeat, CID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if d.InFlightCount() != 1 {
		t.Fatalf("expected one in-flight message")
	}

	d.ConfirmProgress(&wire.Segment{ID: segs[0].ID, Kind: wire.SegmentProgress, Progress: wire.ProgressPayload{
		ConfirmedHead:   true,
		ConfirmedBodies: []wire.Range{{Start: 0, End: 1}},
	}})
	if d.InFlightCount() != 0 {
		t.Fatalf("expected message to be retired after full confirmation")
	}
}
