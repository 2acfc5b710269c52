// Package session defines the capability set every per-peer Session Engine
// exposes to the multiplexers, and the registry that maps convs to live
// engines.
package session

import "net"

// SendFunc writes one datagram to remote. It must not block the caller for
// long; the multiplexers hand it an asynchronous writer.
type SendFunc func(datagram []byte, remote *net.UDPAddr)

// CloseFunc is invoked exactly once by an engine when it tears itself down.
type CloseFunc func(conv uint32)

// Engine is the reliable-transport state machine for one peer.
//
// Input receives the whole datagram, conv field included: the conv is the
// first field of the engine's own segment header. Input is only ever called
// from a single dispatch goroutine for a given conv.
type Engine interface {
	Init(conv uint32, send SendFunc, remote *net.UDPAddr, onClose CloseFunc)
	Input(datagram []byte)
	IsConnected() bool
	Send(payload []byte) error
	Close()
}

// Factory builds a fresh, uninitialized engine.
type Factory func() Engine
