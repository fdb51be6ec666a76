package wire

import "errors"

// SignatureSize is the size, in bytes, of a detached Ed25519 signature.
const SignatureSize = 64

// senderIDSize is the size, in bytes, of the envelope's transmitting
// sender_id field (distinct from Identifier.SenderID).
const senderIDSize = 2

// MinEnvelopeSize is the smallest legal envelope: identifier + sender_id +
// minimal (REQUEST) inner message + signature.
const MinEnvelopeSize = IdentifierSize + senderIDSize + innerHeaderSize + SignatureSize

// MaxDatagramSize is the receive buffer size at the transport. Payloads
// larger than MaxDatagramSize-MinEnvelopeSize are not supported.
const MaxDatagramSize = 2048

// MaxPayloadSize is the largest application payload that fits a datagram.
const MaxPayloadSize = MaxDatagramSize - MinEnvelopeSize

// ErrTooShort is returned when a datagram is shorter than MinEnvelopeSize.
var ErrTooShort = errors.New("wire: envelope shorter than minimum size")

// ErrTooLong is returned when a datagram exceeds MaxDatagramSize.
var ErrTooLong = errors.New("wire: envelope longer than max datagram size")

// Envelope is the outer wire message: an Identifier naming the instance, the
// id of the participant that transmitted it, the inner tagged message, and a
// detached signature over everything but itself.
type Envelope struct {
	ID        Identifier
	SenderID  uint16
	Inner     InnerMessage
	Signature [SignatureSize]byte
}

// SignedBytes returns id ‖ sender_id ‖ inner_bytes, the exact byte string the
// signature in Envelope.Signature is computed and verified over.
func (e Envelope) SignedBytes() []byte {
	buf := make([]byte, 0, IdentifierSize+senderIDSize+e.Inner.EncodedLen())
	buf = e.ID.Encode(buf)
	buf = appendUint16(buf, e.SenderID)
	buf = e.Inner.Encode(buf)
	return buf
}

// Encode appends the full wire representation of e (signed bytes plus
// signature) to dst and returns the extended slice.
func (e Envelope) Encode(dst []byte) []byte {
	dst = append(dst, e.SignedBytes()...)
	dst = append(dst, e.Signature[:]...)
	return dst
}

// DecodeEnvelope parses b into an Envelope, validating minimum/maximum size,
// the inner message's tag and body length. It does NOT verify the signature;
// that is the caller's responsibility (see internal/sign), performed against
// the signing key registered for SenderID before any state change.
//
// A datagram that fails any structural check here must be dropped silently
// by the caller, per the wire format's threat model: on an unauthenticated
// transport, malformed packets are the adversary's normal behavior.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) > MaxDatagramSize {
		return Envelope{}, ErrTooLong
	}
	if len(b) < MinEnvelopeSize {
		return Envelope{}, ErrTooShort
	}

	id, rest := DecodeIdentifier(b)
	senderID := decodeUint16(rest)
	rest = rest[senderIDSize:]

	innerLen := len(rest) - SignatureSize
	inner, err := DecodeInnerMessage(rest[:innerLen])
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	env.ID = id
	env.SenderID = senderID
	env.Inner = inner
	copy(env.Signature[:], rest[innerLen:])
	return env, nil
}

func appendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func decodeUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
