// Package instance implements the per-identifier Bracha reliable-broadcast
// state machine: the SEND/ECHO/READY/REQUEST-ANSWER transitions and the
// delivery decision. An Instance is driven exclusively by one goroutine (its
// "driver"), fed from a bounded queue of already-authenticated envelopes by
// the demultiplexer runtime (package demux); no internal locking is needed
// because of that single-writer discipline.
package instance

import (
	"crypto/sha256"

	"github.com/quorumcast/arb/common/log"
	"github.com/quorumcast/arb/internal/wire"
)

// Outbound is an envelope an Instance wants transmitted. Recipients is the
// set of node ids to send Inner to; the caller (the demultiplexer) resolves
// ids to addresses, signs the envelope as the local node, and performs the
// actual per-destination sends.
type Outbound struct {
	Inner      wire.InnerMessage
	Recipients []uint16
}

// Delivery is emitted exactly once when an Instance completes.
type Delivery struct {
	ID      wire.Identifier
	Payload []byte
}

// Instance holds the state of one broadcast identified by ID, per spec
// section 3. Fields are exported read-only via accessor methods for testing;
// mutation only ever happens from within Handle.
type Instance struct {
	id    wire.Identifier
	myID  uint16
	n     int
	t     int
	order []uint16 // all participant ids, directory (configuration) order

	message *[]byte
	digest  *wire.Digest

	echoSenders  map[uint16]struct{}
	readySenders map[uint16]struct{}

	readySent bool
	delivered bool

	// lastBroadcast is the most recent ECHO or READY this node sent to the
	// whole group, kept only so the demultiplexer's optional retransmission
	// assist (disabled by default) can re-announce it; it plays no role in
	// the protocol's own transitions.
	lastBroadcast *wire.InnerMessage

	log log.Logger
}

// New creates a blank instance for id, owned by the local node myID, in a
// group of n participants tolerating t Byzantine faults, with order giving
// the deterministic directory order used to pick REQUEST targets.
func New(id wire.Identifier, myID uint16, n, t int, order []uint16, l log.Logger) *Instance {
	ordered := make([]uint16, len(order))
	copy(ordered, order)
	return &Instance{
		id:           id,
		myID:         myID,
		n:            n,
		t:            t,
		order:        ordered,
		echoSenders:  make(map[uint16]struct{}),
		readySenders: make(map[uint16]struct{}),
		log:          l,
	}
}

// ID returns the identifier this instance implements the protocol for.
func (in *Instance) ID() wire.Identifier { return in.id }

// Order returns the full participant set in directory order, the
// recipients of a retransmitted LastBroadcast.
func (in *Instance) Order() []uint16 { return in.order }

// Delivered reports whether this instance has completed delivery.
func (in *Instance) Delivered() bool { return in.delivered }

// Message returns the payload believed to be the sender's value, if known.
// Safe to call after delivery to answer late REQUESTs.
func (in *Instance) Message() ([]byte, bool) {
	if in.message == nil {
		return nil, false
	}
	return *in.message, true
}

// Recovering reports whether the instance has locked a digest via the READY
// threshold but has not yet obtained a matching payload.
func (in *Instance) Recovering() bool {
	return in.digest != nil && !in.delivered
}

// LastBroadcast returns the most recent ECHO or READY this node sent to the
// whole group (see Order for its recipients), for the demultiplexer's
// optional retransmission assist. Returns false if this node has not yet
// sent either.
func (in *Instance) LastBroadcast() (wire.InnerMessage, bool) {
	if in.lastBroadcast == nil {
		return wire.InnerMessage{}, false
	}
	return *in.lastBroadcast, true
}

// Handle processes one already-authenticated envelope, mutating state per
// spec section 4.4 and returning zero or more envelopes to transmit plus, at
// most once across the Instance's lifetime, a completed Delivery.
//
// env.SenderID must already be authenticated to equal the signer of the
// datagram it came from — this is the demultiplexer's job, performed before
// the envelope is ever enqueued to the instance's driver.
func (in *Instance) Handle(env wire.Envelope) ([]Outbound, *Delivery) {
	s := env.SenderID
	switch env.Inner.Tag {
	case wire.TagBroadcast:
		return in.onBroadcast(env.Inner.Payload), nil
	case wire.TagSend:
		return in.onSend(s, env.Inner.Payload), nil
	case wire.TagEcho:
		return in.onEcho(s, env.Inner.Digest), nil
	case wire.TagReady:
		return in.onReady(s, env.Inner.Digest)
	case wire.TagRequest:
		return in.onRequest(s), nil
	case wire.TagAnswer:
		return in.onAnswer(env.Inner.Payload)
	default:
		// Unrecognized tags never reach here: the wire codec rejects them
		// before an envelope is constructed.
		return nil, nil
	}
}

// onBroadcast implements transition 1: only ever legitimately produced by the
// initiator to itself via the self-dispatch idiom (package demux). It fans
// SEND(m) out to everyone, including the local node, and makes no change to
// Instance state.
func (in *Instance) onBroadcast(m []byte) []Outbound {
	in.log.Debugw("broadcast received, fanning out SEND", "id", in.id.String())
	return []Outbound{{Inner: wire.Send(m), Recipients: in.order}}
}

// onSend implements transition 2.
func (in *Instance) onSend(s uint16, m []byte) []Outbound {
	if s != in.id.SenderID {
		in.log.Debugw("dropping SEND from non-sender", "id", in.id.String(), "from", s)
		return nil
	}
	if in.message != nil {
		in.log.Debugw("dropping duplicate SEND", "id", in.id.String())
		return nil
	}
	msg := append([]byte(nil), m...)
	in.message = &msg
	d := sha256.Sum256(msg)
	in.log.Debugw("accepted SEND, echoing", "id", in.id.String())
	echo := wire.Echo(d)
	in.lastBroadcast = &echo
	return []Outbound{{Inner: echo, Recipients: in.order}}
}

// onEcho implements transition 3.
func (in *Instance) onEcho(s uint16, d wire.Digest) []Outbound {
	if _, dup := in.echoSenders[s]; dup {
		return nil
	}
	in.echoSenders[s] = struct{}{}

	if len(in.echoSenders) == in.n-in.t && !in.readySent {
		in.readySent = true
		in.log.Debugw("ECHO threshold reached, sending READY", "id", in.id.String())
		// The digest carried forward is the last-received ECHO's digest, not
		// a local recomputation from `message` — this matches the source's
		// documented behavior (spec section 9 open question). It does not
		// threaten safety: the 2t+1 READY threshold still requires agreement
		// before anyone delivers.
		ready := wire.Ready(d)
		in.lastBroadcast = &ready
		return []Outbound{{Inner: ready, Recipients: in.order}}
	}
	return nil
}

// onReady implements transition 4, including the amplification step and the
// delivery / recovery decision.
func (in *Instance) onReady(s uint16, d wire.Digest) ([]Outbound, *Delivery) {
	if _, dup := in.readySenders[s]; dup {
		return nil, nil
	}
	in.readySenders[s] = struct{}{}

	var out []Outbound

	if len(in.readySenders) == in.t+1 && !in.readySent {
		in.readySent = true
		in.log.Debugw("READY amplification threshold reached", "id", in.id.String())
		ready := wire.Ready(d)
		in.lastBroadcast = &ready
		out = append(out, Outbound{Inner: ready, Recipients: in.order})
	}

	if len(in.readySenders) == 2*in.t+1 && !in.delivered {
		digest := d
		in.digest = &digest

		if in.message != nil && sha256.Sum256(*in.message) == digest {
			in.delivered = true
			in.log.Debugw("delivery threshold reached, message already known", "id", in.id.String())
			return out, &Delivery{ID: in.id, Payload: *in.message}
		}

		targets := in.order
		if 2*in.t+1 < len(targets) {
			targets = targets[:2*in.t+1]
		}
		in.log.Debugw("delivery threshold reached without payload, requesting", "id", in.id.String())
		out = append(out, Outbound{Inner: wire.Request(), Recipients: targets})
	}

	return out, nil
}

// onRequest implements transition 5.
func (in *Instance) onRequest(s uint16) []Outbound {
	if in.message == nil {
		return nil
	}
	return []Outbound{{Inner: wire.Answer(*in.message), Recipients: []uint16{s}}}
}

// onAnswer implements transition 6.
func (in *Instance) onAnswer(m []byte) ([]Outbound, *Delivery) {
	if in.digest == nil || in.delivered {
		return nil, nil
	}
	d := sha256.Sum256(m)
	if d != *in.digest {
		in.log.Debugw("dropping ANSWER with mismatched digest", "id", in.id.String())
		return nil, nil
	}
	msg := append([]byte(nil), m...)
	in.message = &msg
	in.delivered = true
	in.log.Debugw("delivered via recovery", "id", in.id.String())
	return nil, &Delivery{ID: in.id, Payload: msg}
}

