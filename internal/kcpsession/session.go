// Package kcpsession provides the Session Engine used by the multiplexers:
// a KCP state machine (github.com/xtaci/kcp-go/v5) driven by an update
// ticker, with a one-byte frame header for data, keepalive and goodbye.
package kcpsession

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/1ureka/kcpnet/internal/codec"
	"github.com/1ureka/kcpnet/internal/session"
	"github.com/1ureka/kcpnet/internal/util"
)

// Frame types carried in the first byte of every KCP message.
const (
	frameData byte = 0x01
	framePing byte = 0x02
	frameBye  byte = 0x03
)

type state int

const (
	stateIdle state = iota
	stateConnected
	stateClosing // goodbye queued, waiting for the update loop to flush it
	stateClosed
)

// closeFlushTicks bounds how many update ticks Close waits for the goodbye
// frame to be acknowledged.
const closeFlushTicks = 5

var (
	// ErrNotConnected is returned by Send before Init or after Close.
	ErrNotConnected = errors.New("kcpsession: not connected")

	// ErrSendRejected is returned when KCP refuses a message (too many fragments).
	ErrSendRejected = errors.New("kcpsession: message rejected by kcp")
)

// Handler receives every complete application payload. It runs on the
// dispatch goroutine that fed the datagram and must not block.
type Handler func(s *Session, payload []byte)

// Compile-time interface check.
var _ session.Engine = (*Session)(nil)

// Session is one peer's reliable channel.
type Session struct {
	cfg       Config
	onMessage Handler
	seq       SeqGen

	mu       sync.Mutex
	kcp      *kcp.KCP
	conv     uint32
	remote   *net.UDPAddr
	onClose  session.CloseFunc
	state    state
	lastRecv time.Time
	lastSend time.Time

	done       chan struct{}
	finishOnce sync.Once
}

// New creates an idle session; it becomes usable after Init.
func New(cfg Config, onMessage Handler) *Session {
	return &Session{
		cfg:       cfg,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// Factory returns a session.Factory building sessions with cfg and onMessage.
func Factory(cfg Config, onMessage Handler) session.Factory {
	return func() session.Engine {
		return New(cfg, onMessage)
	}
}

// ---------------------------------------------------------------------------
// session.Engine
// ---------------------------------------------------------------------------

// Init binds the session to conv and remote and starts the update loop.
func (s *Session) Init(conv uint32, send session.SendFunc, remote *net.UDPAddr, onClose session.CloseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return
	}

	s.conv = conv
	s.remote = remote
	s.onClose = onClose
	s.kcp = kcp.NewKCP(conv, func(buf []byte, size int) {
		send(buf[:size], remote)
	})
	s.kcp.NoDelay(s.cfg.NoDelay, s.cfg.Interval, s.cfg.Resend, s.cfg.NoCongestion)
	s.kcp.WndSize(s.cfg.SendWindow, s.cfg.RecvWindow)
	s.kcp.SetMtu(s.cfg.MTU)

	now := time.Now()
	s.lastRecv = now
	s.lastSend = now
	s.state = stateConnected

	go s.updateLoop()
}

// Input feeds one datagram into KCP and delivers every message it completes.
// While closing, datagrams still reach KCP so the goodbye can be acknowledged,
// but no message is delivered.
func (s *Session) Input(datagram []byte) {
	s.mu.Lock()
	if s.state != stateConnected && s.state != stateClosing {
		s.mu.Unlock()
		return
	}

	if ret := s.kcp.Input(datagram, true, false); ret < 0 {
		s.mu.Unlock()
		util.LogDebug("[%d] kcp rejected %d-byte datagram (code %d)", s.conv, len(datagram), ret)
		return
	}
	s.lastRecv = time.Now()

	var frames [][]byte
	for {
		size := s.kcp.PeekSize()
		if size < 0 {
			break
		}
		buf := make([]byte, size)
		if n := s.kcp.Recv(buf); n < 0 {
			break
		}
		frames = append(frames, buf)
	}
	deliver := s.state == stateConnected
	s.mu.Unlock()

	if !deliver {
		return
	}
	for _, f := range frames {
		s.handleFrame(f)
	}
}

// IsConnected reports whether the session is initialized and not closed.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Send queues payload as one reliable message.
func (s *Session) Send(payload []byte) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = frameData
	copy(frame[1:], payload)
	return s.sendFrame(frame)
}

// Close queues a goodbye for the peer, waits (a few update ticks at most)
// for the update loop to flush it, then fires the close notification. Every
// call returns after the notification has run; only the first has an effect.
func (s *Session) Close() {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.state = stateClosed
		s.mu.Unlock()
		s.finish()
		return
	case stateConnected:
		s.kcp.Send([]byte{frameBye})
		s.state = stateClosing
	}
	s.mu.Unlock()

	<-s.done
}

// ---------------------------------------------------------------------------
// Application helpers
// ---------------------------------------------------------------------------

// SendMsg packs msg with the codec and sends it.
func (s *Session) SendMsg(msg any) error {
	payload, err := codec.Pack(msg)
	if err != nil {
		return err
	}
	return s.Send(payload)
}

// NextSeq returns the next application sequence number for this session.
func (s *Session) NextSeq() uint32 {
	return s.seq.Next()
}

// Conv returns the session's conv, 0 before Init.
func (s *Session) Conv() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// RemoteAddr returns the peer address, nil before Init.
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Done returns a channel that is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WaitSnd returns the number of messages queued but not yet acknowledged.
func (s *Session) WaitSnd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kcp == nil {
		return 0
	}
	return s.kcp.WaitSnd()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Session) sendFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected {
		return ErrNotConnected
	}
	if ret := s.kcp.Send(frame); ret < 0 {
		return fmt.Errorf("%w: %d bytes (code %d)", ErrSendRejected, len(frame), ret)
	}
	s.lastSend = time.Now()
	return nil
}

func (s *Session) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}

	switch frame[0] {
	case frameData:
		if s.onMessage != nil {
			s.onMessage(s, frame[1:])
		}
	case framePing:
		// lastRecv already refreshed by Input.
	case frameBye:
		util.LogInfo("[%d] peer said goodbye", s.Conv())
		go s.Close()
	default:
		util.LogWarning("[%d] unknown frame type 0x%02x dropped", s.Conv(), frame[0])
	}
}

// updateLoop drives KCP timers, keepalive and idle timeout. It owns the
// transition to stateClosed for every initialized session.
func (s *Session) updateLoop() {
	ticker := time.NewTicker(time.Duration(s.cfg.Interval) * time.Millisecond)
	defer ticker.Stop()

	closingTicks := 0
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		closing := s.state == stateClosing
		if !closing && s.cfg.KeepAlive > 0 && now.Sub(s.lastSend) >= s.cfg.KeepAlive {
			s.kcp.Send([]byte{framePing})
			s.lastSend = now
		}
		s.kcp.Update()
		idle := !closing && s.cfg.IdleTimeout > 0 && now.Sub(s.lastRecv) > s.cfg.IdleTimeout
		flushed := closing && s.kcp.WaitSnd() == 0
		conv := s.conv
		s.mu.Unlock()

		if closing {
			closingTicks++
			if flushed || closingTicks >= closeFlushTicks {
				s.finish()
				return
			}
			continue
		}
		if idle {
			util.LogWarning("[%d] idle for %s, closing", conv, s.cfg.IdleTimeout)
			s.finish()
			return
		}
	}
}

// finish marks the session closed, runs the close notification of an
// initialized session and releases Done. It runs once.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		conv, onClose := s.conv, s.onClose
		s.mu.Unlock()

		if onClose != nil {
			onClose(conv)
		}
		close(s.done)
	})
}
