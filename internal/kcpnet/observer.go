// Package kcpnet multiplexes sessions over a single UDP socket.
//
// A Server hands out convs through a two-message handshake and routes every
// later datagram to the session registered under its conv. A Client drives
// the handshake against one fixed server address and owns a single session.
package kcpnet

import (
	"errors"
	"time"
)

const (
	roleServer = "server"
	roleClient = "client"
)

var (
	// ErrNotStarted is returned by operations that need a bound socket.
	ErrNotStarted = errors.New("kcpnet: socket not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("kcpnet: socket already started")

	// ErrNotConnected is returned when the client has no bound session.
	ErrNotConnected = errors.New("kcpnet: no connected session")

	// ErrClosed is returned by Connect once the client has shut down.
	ErrClosed = errors.New("kcpnet: closed")
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventHandshake EventKind = "handshake" // server issued a conv
	EventOpened    EventKind = "opened"    // session registered
	EventClosed    EventKind = "closed"    // session removed
)

// Event is a session lifecycle notification.
type Event struct {
	Kind   EventKind `json:"kind"`
	Role   string    `json:"role"`
	Conv   uint32    `json:"conv"`
	Remote string    `json:"remote,omitempty"`
	Time   time.Time `json:"time"`
}

// Observer receives lifecycle events. It is called synchronously from the
// dispatch loop or a close notification and must not block.
type Observer func(Event)

func (o Observer) emit(kind EventKind, role string, conv uint32, remote string) {
	if o == nil {
		return
	}
	o(Event{Kind: kind, Role: role, Conv: conv, Remote: remote, Time: time.Now()})
}
