// Package segment implements the outbound disassembler and inbound
// assembler halves of the per-peer message pipeline: turning an
// application Message into a confirmed sequence of wire segments, and
// reconstructing a Message from segments arriving out of order, with
// loss tolerance and rejection of adversarial framing.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// MaxBodiesPerMessage and MaxPacketPayloadSize re-export the wire
// bounds under names local callers expect; the codec owns the
// canonical values.
const (
	MaxBodiesPerMessage  = wire.MaxBodiesPerMessage
	MaxPacketPayloadSize = wire.MaxPacketPayloadSize
)

// RetransmitInterval is how often the disassembler resends any segment
// of an in-flight message that has not yet been confirmed.
const RetransmitInterval = time.Second

// outbound tracks one message's confirmation state on the sending
// side: which of its segments (head, plus each body index) have been
// acknowledged by a MessageProgress segment from the peer.
type outbound struct {
	id          uint16
	head        wire.Segment
	bodies      []wire.Segment
	headAcked   bool
	bodyAcked   []bool
	lastSentAt  time.Time
	createdAt   time.Time
}

func (o *outbound) done() bool {
	if !o.headAcked {
		return false
	}
	for _, acked := range o.bodyAcked {
		if !acked {
			return false
		}
	}
	return true
}

// Disassembler splits outbound application messages into wire segments
// for one peer, tracks confirmation, and resurfaces unconfirmed
// segments on Tick for retransmission.
type Disassembler struct {
	mu              sync.Mutex
	highestMessageID uint16
	haveSent        bool
	inFlight        map[uint16]*outbound
}

// NewDisassembler builds an empty per-peer disassembler. lastID and
// hadPrior let a caller continue an earlier id sequence for this peer
// key; session.Supervisor passes (0, false), so each session's ids
// start at 0.
func NewDisassembler(lastID uint16, hadPrior bool) *Disassembler {
	return &Disassembler{
		highestMessageID: lastID,
		haveSent:         hadPrior,
		inFlight:         make(map[uint16]*outbound),
	}
}

// Enqueue serializes message, decides compression, splits it into a
// head and indexed bodies, and installs it under a freshly wrapped id.
// It returns the id and every segment that must be sent now.
func (d *Disassembler) Enqueue(message *wire.Message) (uint16, []wire.Segment, error) {
	raw, err := wire.EncodeMessage(message)
	if err != nil {
		return 0, nil, fmt.Errorf("segment: encode message: %w", err)
	}

	compressed := false
	payload := raw
	if shouldCompress(raw) {
		c, err := compress(raw)
		if err == nil {
			compressed = true
			payload = c
		}
		// On compress failure, fall through and send raw rather than
		// fail the whole enqueue — compression is an optimization.
	}

	bodyCount := (len(payload) + MaxPacketPayloadSize - 1) / MaxPacketPayloadSize
	if bodyCount == 0 {
		bodyCount = 1 // an empty message still gets one zero-length-adjacent body slot
	}
	if bodyCount > MaxBodiesPerMessage {
		return 0, nil, fmt.Errorf("segment: message requires %d bodies, max %d", bodyCount, MaxBodiesPerMessage)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var id uint16
	if d.haveSent {
		id = d.highestMessageID + 1
	} else {
		id = d.highestMessageID
		d.haveSent = true
	}
	d.highestMessageID = id

	ob := &outbound{
		id:        id,
		createdAt: time.Now(),
		head: wire.Segment{
			ID:   id,
			Kind: wire.SegmentHead,
			Head: wire.HeadPayload{BodyCount: uint16(bodyCount), Compression: compressed},
		},
		bodies:    make([]wire.Segment, bodyCount),
		bodyAcked: make([]bool, bodyCount),
	}

	segs := make([]wire.Segment, 0, bodyCount+1)
	segs = append(segs, ob.head)
	for i := 0; i < bodyCount; i++ {
		start := i * MaxPacketPayloadSize
		end := start + MaxPacketPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		if len(chunk) == 0 {
			chunk = []byte{}
		}
		body := wire.Segment{
			ID:   id,
			Kind: wire.SegmentBody,
			Body: wire.BodyPayload{Index: uint16(i), Data: chunk},
		}
		ob.bodies[i] = body
		segs = append(segs, body)
	}
	ob.lastSentAt = time.Now()
	d.inFlight[id] = ob

	return id, segs, nil
}

// ConfirmProgress applies a MessageProgress segment received from the
// peer, marking the referenced head/bodies acknowledged. A confirmed
// message that has no further outstanding segments is dropped from
// in-flight tracking; ConfirmProgress never errors on an unknown id
// (it may reference a message already retired).
func (d *Disassembler) ConfirmProgress(s *wire.Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ob, ok := d.inFlight[s.ID]
	if !ok {
		return
	}
	if s.Progress.ConfirmedHead {
		ob.headAcked = true
	}
	for _, rg := range s.Progress.ConfirmedBodies {
		for i := rg.Start; i < rg.End && int(i) < len(ob.bodyAcked); i++ {
			ob.bodyAcked[i] = true
		}
	}
	if ob.done() {
		delete(d.inFlight, s.ID)
	}
}

// Tick returns every segment of every in-flight message that has not
// been acknowledged and has waited at least RetransmitInterval since
// it was last sent. Callers should invoke this at least once per
// second and hand the result to the channel layer for resealing.
func (d *Disassembler) Tick() []wire.Segment {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []wire.Segment
	for _, ob := range d.inFlight {
		if now.Sub(ob.lastSentAt) < RetransmitInterval {
			continue
		}
		resent := false
		if !ob.headAcked {
			out = append(out, ob.head)
			resent = true
		}
		for i, acked := range ob.bodyAcked {
			if !acked {
				out = append(out, ob.bodies[i])
				resent = true
			}
		}
		if resent {
			ob.lastSentAt = now
		}
	}
	return out
}

// InFlightCount reports how many messages are awaiting full
// confirmation, for diagnostics.
func (d *Disassembler) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
