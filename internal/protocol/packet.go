// Package protocol defines the datagram envelope shared by the server and
// client multiplexers.
//
// Every datagram starts with a 4-byte little-endian conv (session identifier)
// followed by an opaque payload. Conv 0 is reserved for the handshake that
// hands a fresh conv to a new peer.
package protocol

import "math"

// Envelope sizes.
const (
	ConvSize              = 4            // conv field at the head of every datagram
	HandshakeRequestSize  = ConvSize     // conv(0)
	HandshakeResponseSize = ConvSize + 4 // conv(0) + assigned conv
)

// Reserved conv values.
const (
	ConvHandshake uint32 = 0              // sentinel carried by handshake datagrams
	ConvWrap      uint32 = math.MaxUint32 // never assigned; the allocator wraps to 1
)

// IsHandshake reports whether conv is the handshake sentinel.
func IsHandshake(conv uint32) bool {
	return conv == ConvHandshake
}

// Assignable reports whether conv may be handed to a live session.
func Assignable(conv uint32) bool {
	return conv != ConvHandshake && conv != ConvWrap
}
