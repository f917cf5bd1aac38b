package segment

import (
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// MarginOfOutOfOrder bounds how many message ids may be in flight per
// direction per peer: the ring has exactly this many slots.
const MarginOfOutOfOrder = 16

// pendingMessage is one ring slot: either empty (nil), alive and
// collecting segments, or dead (hostile input observed — the slot is
// skipped without delivery and without disturbing its neighbors).
type pendingMessage struct {
	dead bool

	headArrived bool
	compression bool
	totalBodies uint16

	committed []bool
	bodies    [][]byte

	// staged holds bodies that arrived before the head, keyed by index,
	// until the head reveals totalBodies and they can be validated.
	staged map[uint16][]byte

	lastActivity time.Time
}

func newPendingMessage() *pendingMessage {
	return &pendingMessage{staged: make(map[uint16][]byte), lastActivity: time.Now()}
}

// Delivered is one fully reassembled application message, in
// reassembly order.
type Delivered struct {
	ID   uint16
	Data []byte
}

// Assembler reconstructs messages from one source peer's inbound
// segments. Safe for concurrent use: every method holds mu.
type Assembler struct {
	mu          sync.Mutex
	baseID      uint16
	haveBase    bool
	ring        [MarginOfOutOfOrder]*pendingMessage
}

// NewAssembler builds an empty per-source assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// offset computes (id - base) mod 2^16 as an unsigned distance; a
// distance >= MarginOfOutOfOrder means id is either already delivered
// or too far ahead to admit.
func (a *Assembler) offset(id uint16) uint16 {
	if !a.haveBase {
		return 0
	}
	return id - a.baseID
}

func (a *Assembler) slotFor(id uint16, create bool) (*pendingMessage, int, bool) {
	if !a.haveBase {
		a.haveBase = true
		a.baseID = id
	}
	off := a.offset(id)
	if off >= MarginOfOutOfOrder {
		return nil, 0, false
	}
	idx := int(off)
	if a.ring[idx] == nil {
		if !create {
			return nil, idx, false
		}
		a.ring[idx] = newPendingMessage()
	}
	return a.ring[idx], idx, true
}

// FeedHead processes an inbound Head segment.
func (a *Assembler) FeedHead(id uint16, h wire.HeadPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, _, ok := a.slotFor(id, true)
	if !ok || slot.dead {
		return
	}
	slot.lastActivity = time.Now()

	if slot.headArrived {
		if slot.totalBodies != h.BodyCount || slot.compression != h.Compression {
			a.killSlot(slot)
		}
		return
	}

	// Validate any bodies staged before the head against the now-known
	// total: an index at or beyond body_count, or a non-final body
	// whose length isn't exactly MAX_PACKET_PAYLOAD_SIZE, is a lying
	// head (or lying bodies) and kills the whole message.
	for idx, data := range slot.staged {
		if idx >= h.BodyCount {
			a.killSlot(slot)
			return
		}
		if idx != h.BodyCount-1 && len(data) != MaxPacketPayloadSize {
			a.killSlot(slot)
			return
		}
	}

	slot.headArrived = true
	slot.totalBodies = h.BodyCount
	slot.compression = h.Compression
	slot.committed = make([]bool, h.BodyCount)
	slot.bodies = make([][]byte, h.BodyCount)
	for idx, data := range slot.staged {
		slot.bodies[idx] = data
		slot.committed[idx] = true
	}
	slot.staged = nil
}

// FeedBody processes an inbound Body segment.
func (a *Assembler) FeedBody(id uint16, b wire.BodyPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, _, ok := a.slotFor(id, true)
	if !ok || slot.dead {
		return
	}
	slot.lastActivity = time.Now()

	if !slot.headArrived {
		if existing, dup := slot.staged[b.Index]; dup && len(existing) != len(b.Data) {
			a.killSlot(slot)
			return
		}
		slot.staged[b.Index] = b.Data
		return
	}

	if b.Index >= slot.totalBodies {
		a.killSlot(slot) // body past declared end
		return
	}
	isFinal := b.Index == slot.totalBodies-1
	if !isFinal && len(b.Data) != MaxPacketPayloadSize {
		a.killSlot(slot) // inconsistent partial-body length
		return
	}
	if isFinal && (len(b.Data) == 0 || len(b.Data) > MaxPacketPayloadSize) {
		a.killSlot(slot)
		return
	}

	if slot.committed[b.Index] {
		if len(slot.bodies[b.Index]) != len(b.Data) {
			a.killSlot(slot) // conflicting duplicate
		}
		return // idempotent overwrite of identical-length chunk
	}

	slot.bodies[b.Index] = b.Data
	slot.committed[b.Index] = true
}

func (a *Assembler) killSlot(slot *pendingMessage) {
	slot.dead = true
	slot.staged = nil
	slot.bodies = nil
	slot.committed = nil
}

func (slot *pendingMessage) finished() bool {
	if slot == nil || slot.dead || !slot.headArrived {
		return false
	}
	for _, c := range slot.committed {
		if !c {
			return false
		}
	}
	return true
}

// Drain dequeues every message at the front of the ring that is either
// finished or dead, delivering the finished ones in strictly
// increasing id order and silently skipping dead ones. It stops at the
// first slot that is neither (still incomplete, or genuinely empty).
func (a *Assembler) Drain() []Delivered {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Delivered
	for {
		slot := a.ring[0]
		if slot == nil {
			break
		}
		if slot.dead {
			a.advance()
			continue
		}
		if !slot.finished() {
			break
		}
		id := a.baseID
		payload := assembleBytes(slot)
		a.advance()

		data, err := finalize(slot.compression, payload)
		if err != nil {
			continue // failed decompress: drop this message, keep going
		}
		out = append(out, Delivered{ID: id, Data: data})
	}
	return out
}

func assembleBytes(slot *pendingMessage) []byte {
	total := 0
	for _, b := range slot.bodies {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range slot.bodies {
		out = append(out, b...)
	}
	return out
}

func finalize(compressed bool, payload []byte) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	return decompress(payload)
}

// advance shifts the ring left by one slot and increments baseID,
// wrapping mod 2^16.
func (a *Assembler) advance() {
	for i := 0; i < MarginOfOutOfOrder-1; i++ {
		a.ring[i] = a.ring[i+1]
	}
	a.ring[MarginOfOutOfOrder-1] = nil
	a.baseID++
}

// PendingProgress builds one MessageProgress segment per still-alive,
// not-yet-finished slot, summarizing which head/bodies are committed
// so far. Intended to be called on a roughly 1Hz tick and sealed back
// to the source — the confirmation feedback loop the writer path
// otherwise has no way to close.
func (a *Assembler) PendingProgress() []wire.Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []wire.Segment
	for i, slot := range a.ring {
		if slot == nil || slot.dead || slot.finished() {
			continue
		}
		id := a.baseID + uint16(i)
		prog := wire.ProgressPayload{ConfirmedHead: slot.headArrived}
		if slot.headArrived {
			prog.ConfirmedBodies = contiguousRanges(slot.committed)
		}
		out = append(out, wire.Segment{ID: id, Kind: wire.SegmentProgress, Progress: prog})
	}
	return out
}

func contiguousRanges(committed []bool) []wire.Range {
	var ranges []wire.Range
	i := 0
	for i < len(committed) {
		if !committed[i] {
			i++
			continue
		}
		start := i
		for i < len(committed) && committed[i] {
			i++
		}
		ranges = append(ranges, wire.Range{Start: uint16(start), End: uint16(i)})
	}
	return ranges
}
