// Package wire implements the fixed-layout wire codec for envelopes and inner
// protocol messages: encode/decode of the outer envelope and the inner
// tagged-union message, plus the length and tag validation that lets the
// demultiplexer drop malformed datagrams before they ever reach an instance.
package wire

import (
	"encoding/binary"
	"strconv"
)

// IdentifierSize is the wire size, in bytes, of an Identifier: a uint16
// sender id followed by a uint64 sequence, big-endian.
const IdentifierSize = 2 + 8

// Identifier names one broadcast instance, process-wide and network-wide.
// The pair is created once by the initiating application and never mutated.
type Identifier struct {
	SenderID uint16
	Sequence uint64
}

// Encode appends the big-endian wire representation of id to dst and returns
// the extended slice.
func (id Identifier) Encode(dst []byte) []byte {
	var buf [IdentifierSize]byte
	binary.BigEndian.PutUint16(buf[0:2], id.SenderID)
	binary.BigEndian.PutUint64(buf[2:10], id.Sequence)
	return append(dst, buf[:]...)
}

// DecodeIdentifier reads an Identifier from the front of b, returning the
// remaining bytes. b must have at least IdentifierSize bytes.
func DecodeIdentifier(b []byte) (Identifier, []byte) {
	id := Identifier{
		SenderID: binary.BigEndian.Uint16(b[0:2]),
		Sequence: binary.BigEndian.Uint64(b[2:10]),
	}
	return id, b[IdentifierSize:]
}

// String renders the identifier as "sender:sequence" for logging.
func (id Identifier) String() string {
	return strconv.FormatUint(uint64(id.SenderID), 10) + ":" + strconv.FormatUint(id.Sequence, 10)
}
