package kcpnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/kcpnet/internal/codec"
	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/protocol"
	"github.com/1ureka/kcpnet/internal/session"
	"github.com/1ureka/kcpnet/internal/util"
)

// Server owns a listening UDP socket and the conv → session registry.
type Server struct {
	factory  session.Factory
	registry *session.Registry
	opts     options

	conn   *net.UDPConn
	sender *sender

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{} // closed when the dispatch loop exits
	stopOnce sync.Once
	stopping atomic.Bool // set by Stop; no conv is issued or opened after it
}

// NewServer creates a server whose sessions are built by factory.
func NewServer(factory session.Factory, opts ...Option) *Server {
	return &Server{
		factory:  factory,
		registry: session.NewRegistry(),
		opts:     buildOptions(opts),
		done:     make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds addr and launches the dispatch loop. Cancelling ctx has the
// same effect as calling Stop.
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.conn != nil {
		return ErrAlreadyStarted
	}

	conn, err := listenUDP("udp", addr, s.opts.readBuffer)
	if err != nil {
		return fmt.Errorf("failed to start server on %s: %w", addr, err)
	}

	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sender = newSender(s.ctx, conn, roleServer, s.opts.metrics, s.opts.sendQueue)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()

	util.LogSuccess("server started on %s", conn.LocalAddr())
	go s.dispatch()
	return nil
}

// Stop refuses new sessions, closes every session, clears the registry,
// closes the socket and cancels the dispatch loop. Calls after the first are
// no-ops.
func (s *Server) Stop() {
	if s.conn == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		// The dispatch loop keeps running here so goodbyes can be acknowledged.
		s.closeAll()

		s.cancel()
		<-s.sender.done
		s.conn.Close()
		<-s.done

		// Nothing registers once dispatch has exited; sweep what slipped in
		// between the stopping check and the first pass.
		s.closeAll()
		if left := s.registry.Drain(); len(left) > 0 {
			util.LogWarning("%d sessions still registered after close, closing again", len(left))
			for _, engine := range left {
				engine.Close()
			}
		}
		util.LogInfo("server stopped")
	})
}

// closeAll closes every registered engine concurrently. Close notifications
// remove each engine from the registry as it closes.
func (s *Server) closeAll() {
	var wg sync.WaitGroup
	for _, engine := range s.registry.Engines() {
		wg.Add(1)
		go func(e session.Engine) {
			defer wg.Done()
			e.Close()
		}(engine)
	}
	wg.Wait()
}

// Done returns a channel that is closed once the dispatch loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// LocalAddr returns the bound address, or nil before Start.
func (s *Server) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Len returns the number of registered sessions.
func (s *Server) Len() int {
	return s.registry.Len()
}

// Sessions returns a snapshot of the registered sessions ordered by conv.
func (s *Server) Sessions() []session.Info {
	return s.registry.Snapshot()
}

// Lookup returns the session registered under conv.
func (s *Server) Lookup(conv uint32) (session.Engine, bool) {
	return s.registry.Lookup(conv)
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

// Broadcast sends payload to every registered session and returns how many
// accepted it. Sessions registered or closed during the call may be missed.
func (s *Server) Broadcast(payload []byte) int {
	reached := 0
	for _, engine := range s.registry.Engines() {
		if err := engine.Send(payload); err != nil {
			util.LogDebug("broadcast skipped a session: %v", err)
			continue
		}
		reached++
	}
	s.opts.metrics.RecordBroadcast(reached)
	return reached
}

// BroadcastMsg packs msg once and broadcasts the result.
func (s *Server) BroadcastMsg(msg any) (int, error) {
	payload, err := codec.Pack(msg)
	if err != nil {
		return 0, err
	}
	return s.Broadcast(payload), nil
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch is the single receive loop. It exits once the server is stopped;
// the read error caused by closing the socket is not reported.
func (s *Server) dispatch() {
	defer close(s.done)

	buf := make([]byte, s.opts.maxDatagram)
	for {
		if s.ctx.Err() != nil {
			util.LogDebug("server dispatch loop cancelled")
			return
		}

		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("server UDP receive error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handle(data, cloneAddr(from))
	}
}

// handle routes one datagram. Nothing a single datagram does may end the loop.
func (s *Server) handle(data []byte, from *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			util.LogWarning("server datagram from %s raised: %v", from, r)
			s.drop(metrics.ReasonPanic)
		}
	}()

	util.Stats.AddRecv(len(data))
	s.opts.metrics.RecordReceived(roleServer, len(data))

	conv, err := protocol.ReadConv(data)
	if err != nil {
		util.LogWarning("server dropped datagram from %s: %v", from, err)
		s.drop(metrics.ReasonShort)
		return
	}

	if protocol.IsHandshake(conv) {
		s.handshake(from)
		return
	}

	engine, ok := s.registry.Lookup(conv)
	if !ok {
		if engine, ok = s.open(conv, from); !ok {
			return
		}
	}
	engine.Input(data)
}

// handshake allocates a conv and returns it to the requester. No session is
// created until the peer speaks with that conv.
func (s *Server) handshake(from *net.UDPAddr) {
	if s.stopping.Load() {
		util.LogDebug("server stopping, handshake request from %s dropped", from)
		s.drop(metrics.ReasonStopping)
		return
	}

	conv := s.registry.Allocate()
	s.sender.send(protocol.EncodeHandshakeResponse(conv), from)

	util.Stats.AddHandshake()
	s.opts.metrics.RecordHandshakeIssued()
	s.opts.observer.emit(EventHandshake, roleServer, conv, from.String())
	util.LogDebug("conv %d issued to %s", conv, from)
}

// open builds, initializes and registers a session for a conv the registry
// does not hold yet.
func (s *Server) open(conv uint32, from *net.UDPAddr) (session.Engine, bool) {
	if s.stopping.Load() {
		util.LogWarning("server stopping, conv %d from %s dropped", conv, from)
		s.drop(metrics.ReasonStopping)
		return nil, false
	}
	if !protocol.Assignable(conv) {
		util.LogWarning("server dropped datagram from %s: conv %d is reserved", from, conv)
		s.drop(metrics.ReasonRegistryInsert)
		return nil, false
	}

	engine := s.factory()
	if !s.registry.Insert(conv, engine, from) {
		util.LogError("conv %d already registered, discarding new session from %s", conv, from)
		s.drop(metrics.ReasonRegistryInsert)
		return nil, false
	}
	engine.Init(conv, s.sender.send, from, func(closed uint32) {
		s.onSessionClose(closed, engine)
	})

	util.Stats.AddSession()
	s.opts.metrics.RecordSessionOpened()
	s.opts.observer.emit(EventOpened, roleServer, conv, from.String())
	util.LogInfo("session %d opened for %s", conv, from)
	return engine, true
}

// onSessionClose is the close notification handed to every server engine.
func (s *Server) onSessionClose(conv uint32, engine session.Engine) {
	lifetime, ok := s.registry.Remove(conv, engine)
	if !ok {
		util.LogError("session %d cannot be found in registry", conv)
		s.opts.metrics.RecordDoubleClose()
		return
	}

	util.Stats.RemoveSession()
	s.opts.metrics.RecordSessionClosed(lifetime.Seconds())
	s.opts.observer.emit(EventClosed, roleServer, conv, "")
	util.LogWarning("session %d removed from registry", conv)
}

func (s *Server) drop(reason string) {
	util.Stats.AddDrop()
	s.opts.metrics.RecordDrop(roleServer, reason)
}
