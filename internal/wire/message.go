package wire

import "errors"

// ProtocolTag identifies this protocol's inner messages on the wire; it lets
// a shared transport multiplex several protocols over the same datagrams in
// the future without colliding with this one.
const ProtocolTag = 0x00

// Inner tag values, per spec section 3.
const (
	TagBroadcast uint8 = 0
	TagSend      uint8 = 1
	TagEcho      uint8 = 2
	TagReady     uint8 = 3
	TagRequest   uint8 = 4
	TagAnswer    uint8 = 5
)

// DigestSize is the size, in bytes, of a SHA-256 digest.
const DigestSize = 32

// innerHeaderSize is [protocol_tag][inner_tag].
const innerHeaderSize = 2

var (
	// ErrShortMessage is returned when a buffer is too short to hold even the
	// inner header.
	ErrShortMessage = errors.New("wire: message shorter than inner header")
	// ErrBadProtocolTag is returned when the protocol tag byte isn't ProtocolTag.
	ErrBadProtocolTag = errors.New("wire: unrecognized protocol tag")
	// ErrBadInnerTag is returned when the inner tag byte names no known variant.
	ErrBadInnerTag = errors.New("wire: unrecognized inner tag")
	// ErrBadDigestLength is returned when an ECHO/READY body isn't exactly 32 bytes.
	ErrBadDigestLength = errors.New("wire: digest body must be exactly 32 bytes")
	// ErrBadRequestLength is returned when a REQUEST carries a non-empty body.
	ErrBadRequestLength = errors.New("wire: REQUEST body must be empty")
)

// Digest is a 32-byte SHA-256 hash used as a short commitment to a payload.
type Digest [DigestSize]byte

// InnerMessage is the tagged union carried inside every Envelope.
type InnerMessage struct {
	Tag     uint8
	Payload []byte // set for BROADCAST, SEND, ANSWER
	Digest  Digest // set for ECHO, READY
}

// Broadcast builds a BROADCAST(m) inner message.
func Broadcast(m []byte) InnerMessage { return InnerMessage{Tag: TagBroadcast, Payload: m} }

// Send builds a SEND(m) inner message.
func Send(m []byte) InnerMessage { return InnerMessage{Tag: TagSend, Payload: m} }

// Echo builds an ECHO(d) inner message.
func Echo(d Digest) InnerMessage { return InnerMessage{Tag: TagEcho, Digest: d} }

// Ready builds a READY(d) inner message.
func Ready(d Digest) InnerMessage { return InnerMessage{Tag: TagReady, Digest: d} }

// Request builds an empty REQUEST inner message.
func Request() InnerMessage { return InnerMessage{Tag: TagRequest} }

// Answer builds an ANSWER(m) inner message.
func Answer(m []byte) InnerMessage { return InnerMessage{Tag: TagAnswer, Payload: m} }

// EncodedLen returns the number of bytes Encode will append for m.
func (m InnerMessage) EncodedLen() int {
	switch m.Tag {
	case TagEcho, TagReady:
		return innerHeaderSize + DigestSize
	case TagRequest:
		return innerHeaderSize
	default:
		return innerHeaderSize + len(m.Payload)
	}
}

// Encode appends the wire representation of m to dst and returns the
// extended slice: [protocol_tag][inner_tag][body...].
func (m InnerMessage) Encode(dst []byte) []byte {
	dst = append(dst, ProtocolTag, m.Tag)
	switch m.Tag {
	case TagEcho, TagReady:
		dst = append(dst, m.Digest[:]...)
	case TagRequest:
		// empty body
	default:
		dst = append(dst, m.Payload...)
	}
	return dst
}

// DecodeInnerMessage parses an inner message from b, validating the protocol
// tag, the inner tag, and the body length for fixed-size variants. b must
// contain exactly the inner message bytes (no trailing signature or other
// framing) — callers slice the envelope first.
func DecodeInnerMessage(b []byte) (InnerMessage, error) {
	if len(b) < innerHeaderSize {
		return InnerMessage{}, ErrShortMessage
	}
	if b[0] != ProtocolTag {
		return InnerMessage{}, ErrBadProtocolTag
	}
	tag := b[1]
	body := b[innerHeaderSize:]

	switch tag {
	case TagBroadcast, TagSend, TagAnswer:
		var payload []byte
		if len(body) > 0 {
			payload = make([]byte, len(body))
			copy(payload, body)
		}
		return InnerMessage{Tag: tag, Payload: payload}, nil
	case TagEcho, TagReady:
		if len(body) != DigestSize {
			return InnerMessage{}, ErrBadDigestLength
		}
		var d Digest
		copy(d[:], body)
		return InnerMessage{Tag: tag, Digest: d}, nil
	case TagRequest:
		if len(body) != 0 {
			return InnerMessage{}, ErrBadRequestLength
		}
		return InnerMessage{Tag: TagRequest}, nil
	default:
		return InnerMessage{}, ErrBadInnerTag
	}
}
