// Package codec turns application messages into engine payloads and back:
// gob serialization followed by gzip compression.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MaxDecompressed caps the size Decompress will inflate a payload to.
const MaxDecompressed = 4 << 20

// ErrTooLarge is returned when a payload inflates past MaxDecompressed.
var ErrTooLarge = errors.New("codec: decompressed payload too large")

// Serialize encodes msg with gob.
func Serialize[T any](msg T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to serialize %T: %w", msg, err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a gob-encoded message.
func Deserialize[T any](data []byte) (T, error) {
	var msg T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return msg, fmt.Errorf("failed to deserialize %T (%d bytes): %w", msg, len(data), err)
	}
	return msg, nil
}

// Compress gzips input.
func Compress(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(input); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Payloads come from the network, so the
// output is bounded by MaxDecompressed.
func Decompress(input []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	if len(out) > MaxDecompressed {
		return nil, fmt.Errorf("%w: %d-byte input exceeds %d bytes", ErrTooLarge, len(input), MaxDecompressed)
	}
	return out, nil
}

// Pack serializes then compresses msg; the result is what travels as an
// engine payload.
func Pack[T any](msg T) ([]byte, error) {
	raw, err := Serialize(msg)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// Unpack reverses Pack.
func Unpack[T any](data []byte) (T, error) {
	raw, err := Decompress(data)
	if err != nil {
		var zero T
		return zero, err
	}
	return Deserialize[T](raw)
}
