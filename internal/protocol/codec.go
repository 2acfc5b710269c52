package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortDatagram is returned when a datagram cannot hold the fields it claims.
	ErrShortDatagram = errors.New("datagram too short")

	// ErrNotHandshake is returned when a handshake response does not carry conv 0.
	ErrNotHandshake = errors.New("not a handshake datagram")
)

// ReadConv returns the conv field at the head of a datagram.
func ReadConv(data []byte) (uint32, error) {
	if len(data) < ConvSize {
		return 0, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortDatagram, len(data), ConvSize)
	}
	return binary.LittleEndian.Uint32(data[:ConvSize]), nil
}

// EncodeHandshakeRequest returns the 4-byte request a client sends to ask
// for a conv.
func EncodeHandshakeRequest() []byte {
	return make([]byte, HandshakeRequestSize)
}

// EncodeHandshakeResponse returns the 8-byte response carrying the assigned conv.
func EncodeHandshakeResponse(conv uint32) []byte {
	buf := make([]byte, HandshakeResponseSize)
	binary.LittleEndian.PutUint32(buf[0:4], ConvHandshake)
	binary.LittleEndian.PutUint32(buf[4:8], conv)
	return buf
}

// DecodeHandshakeResponse extracts the assigned conv from a handshake response.
// Trailing bytes past the assigned conv are ignored.
func DecodeHandshakeResponse(data []byte) (uint32, error) {
	if len(data) < HandshakeResponseSize {
		return 0, fmt.Errorf("%w: %d bytes (need %d)", ErrShortDatagram, len(data), HandshakeResponseSize)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != ConvHandshake {
		return 0, ErrNotHandshake
	}
	return binary.LittleEndian.Uint32(data[4:8]), nil
}

// PutConv writes conv into the head of buf. buf must hold at least ConvSize bytes.
func PutConv(buf []byte, conv uint32) {
	binary.LittleEndian.PutUint32(buf[:ConvSize], conv)
}
