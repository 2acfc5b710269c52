package kcpnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/kcpnet/internal/codec"
	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/protocol"
	"github.com/1ureka/kcpnet/internal/session"
	"github.com/1ureka/kcpnet/internal/util"
)

// Client owns one UDP socket talking to one fixed server address, and at
// most one session.
//
// Slot lifecycle: empty → pending (request sent) → bound (response
// accepted, engine built) → closed (Disconnect or session end). A closed
// slot never binds again.
type Client struct {
	factory session.Factory
	opts    options

	conn   *net.UDPConn
	remote *net.UDPAddr
	sender *sender

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed when the dispatch loop exits
	closeOnce sync.Once

	mu    sync.Mutex
	state slotState
	slot  session.Engine
	conv  uint32
}

type slotState int

const (
	slotEmpty slotState = iota
	slotPending
	slotBound
	slotClosed
)

// awaiting reports whether a handshake response may still bind the slot.
func (s slotState) awaiting() bool {
	return s == slotEmpty || s == slotPending
}

// NewClient creates a client whose session is built by factory.
func NewClient(factory session.Factory, opts ...Option) *Client {
	return &Client{
		factory: factory,
		opts:    buildOptions(opts),
		done:    make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds an ephemeral local port, records addr as the only accepted
// sender and launches the dispatch loop. Cancelling ctx has the same effect
// as calling Close.
func (c *Client) Start(ctx context.Context, addr string) error {
	if c.conn != nil {
		return ErrAlreadyStarted
	}

	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve server address %s: %w", addr, err)
	}

	network := "udp6"
	if remote.IP == nil || remote.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := listenUDP(network, ":0", c.opts.readBuffer)
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	c.conn = conn
	c.remote = remote
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sender = newSender(c.ctx, conn, roleClient, c.opts.metrics, c.opts.sendQueue)

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()

	util.LogSuccess("client started on %s, server %s", conn.LocalAddr(), remote)
	go c.dispatch()
	return nil
}

// Connect sends a handshake request and polls every interval until the
// session slot holds a connected engine (true) or the accumulated polling
// time exceeds timeout (false). While the slot is empty the request is
// re-sent on each tick unless WithHandshakeRetry(false) was given.
func (c *Client) Connect(ctx context.Context, interval, timeout time.Duration) (bool, error) {
	if c.conn == nil {
		return false, ErrNotStarted
	}
	if interval <= 0 {
		return false, fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	start := time.Now()
	c.requestConv()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.ctx.Done():
			return false, ErrClosed
		}

		elapsed += interval
		if c.Connected() {
			c.opts.metrics.RecordConnect(time.Since(start).Seconds())
			util.LogSuccess("connected to %s as conv %d", c.remote, c.Conv())
			return true, nil
		}
		if elapsed > timeout {
			util.LogWarning("connect to %s timed out after %s", c.remote, elapsed)
			return false, nil
		}
		if c.opts.handshakeRetry {
			c.requestConv()
		}
	}
}

// Disconnect closes the bound session, if any, and clears the slot. The
// slot is marked closed before the engine starts closing, so a handshake
// response arriving during the goodbye flush is dropped. The session's close
// notification releases the socket. Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	engine := c.slot
	if engine != nil {
		c.state = slotClosed
	}
	c.slot = nil
	c.conv = 0
	c.mu.Unlock()

	if engine == nil {
		return
	}
	engine.Close()
}

// Close disconnects and releases the socket even when no session was ever
// bound. Calls after the first are no-ops.
func (c *Client) Close() {
	c.Disconnect()
	c.shutdown()
}

// shutdown cancels the dispatch loop and closes the socket.
func (c *Client) shutdown() {
	if c.conn == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.sender.done
		c.conn.Close()
	})
}

// Done returns a channel that is closed once the dispatch loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// LocalAddr returns the bound address, or nil before Start.
func (c *Client) LocalAddr() *net.UDPAddr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the fixed server address, or nil before Start.
func (c *Client) RemoteAddr() *net.UDPAddr {
	return c.remote
}

// Session returns the bound engine, or nil.
func (c *Client) Session() session.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// Conv returns the bound conv, or 0 when the slot is empty.
func (c *Client) Conv() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Connected reports whether the slot holds a connected engine.
func (c *Client) Connected() bool {
	engine := c.Session()
	return engine != nil && engine.IsConnected()
}

// Send hands payload to the bound session.
func (c *Client) Send(payload []byte) error {
	engine := c.Session()
	if engine == nil || !engine.IsConnected() {
		return ErrNotConnected
	}
	return engine.Send(payload)
}

// SendMsg packs msg and sends it through the bound session.
func (c *Client) SendMsg(msg any) error {
	payload, err := codec.Pack(msg)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// requestConv sends the 4-byte conv-0 handshake request while the slot is
// still waiting for one.
func (c *Client) requestConv() {
	c.mu.Lock()
	if c.state == slotEmpty {
		c.state = slotPending
	}
	waiting := c.state == slotPending
	c.mu.Unlock()

	if !waiting {
		return
	}
	c.sender.send(protocol.EncodeHandshakeRequest(), c.remote)
	util.LogDebug("conv requested from %s", c.remote)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch is the single receive loop, filtered to the server address.
func (c *Client) dispatch() {
	defer close(c.done)

	buf := make([]byte, c.opts.maxDatagram)
	for {
		if c.ctx.Err() != nil {
			util.LogDebug("client dispatch loop cancelled")
			return
		}

		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("client UDP receive error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.handle(data, from)
	}
}

// handle routes one datagram. Nothing a single datagram does may end the loop.
func (c *Client) handle(data []byte, from *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			util.LogWarning("client datagram from %s raised: %v", from, r)
			c.drop(metrics.ReasonPanic)
		}
	}()

	util.Stats.AddRecv(len(data))
	c.opts.metrics.RecordReceived(roleClient, len(data))

	if !sameAddr(from, c.remote) {
		util.LogWarning("client dropped datagram from unexpected sender %s", from)
		c.drop(metrics.ReasonForeignSender)
		return
	}

	conv, err := protocol.ReadConv(data)
	if err != nil {
		util.LogWarning("client dropped datagram: %v", err)
		c.drop(metrics.ReasonShort)
		return
	}

	if protocol.IsHandshake(conv) {
		c.bind(data)
		return
	}

	engine := c.Session()
	if engine == nil || !engine.IsConnected() {
		util.LogWarning("client dropped conv %d payload: handshake not complete", conv)
		c.drop(metrics.ReasonEarlyPayload)
		return
	}
	engine.Input(data)
}

// bind accepts the first handshake response and builds the session. Later
// responses, and any response after Disconnect, are surplus and change
// nothing.
func (c *Client) bind(data []byte) {
	if !c.awaitingConv() {
		return
	}

	conv, err := protocol.DecodeHandshakeResponse(data)
	if err != nil {
		util.LogWarning("client dropped handshake response: %v", err)
		c.drop(metrics.ReasonBadHandshake)
		return
	}
	if !protocol.Assignable(conv) {
		util.LogWarning("client dropped handshake response with reserved conv %d", conv)
		c.drop(metrics.ReasonBadHandshake)
		return
	}

	// Init runs under the lock so Disconnect sees either no engine or an
	// initialized one. Engines must not call onClose from inside Init.
	c.mu.Lock()
	if !c.state.awaiting() {
		c.mu.Unlock()
		c.dropSurplus()
		return
	}
	engine := c.factory()
	engine.Init(conv, c.sender.send, c.remote, func(closed uint32) {
		c.onSessionClose(closed, engine)
	})
	c.state = slotBound
	c.slot = engine
	c.conv = conv
	c.mu.Unlock()

	c.opts.metrics.RecordHandshakeCompleted()
	c.opts.observer.emit(EventOpened, roleClient, conv, c.remote.String())
	util.Stats.AddSession()
	util.LogInfo("conv %d assigned by %s", conv, c.remote)
}

// onSessionClose is the close notification handed to the client engine. The
// client is single-use: the socket goes with the session.
func (c *Client) onSessionClose(conv uint32, engine session.Engine) {
	c.shutdown()

	c.mu.Lock()
	c.state = slotClosed
	if c.slot == engine {
		c.slot = nil
		c.conv = 0
	}
	c.mu.Unlock()

	util.Stats.RemoveSession()
	c.opts.observer.emit(EventClosed, roleClient, conv, "")
	util.LogWarning("client session %d closed", conv)
}

// awaitingConv reports whether the slot can still bind, dropping the
// response as surplus when it cannot.
func (c *Client) awaitingConv() bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state.awaiting() {
		return true
	}
	c.dropSurplus()
	return false
}

func (c *Client) dropSurplus() {
	c.mu.Lock()
	state, conv := c.state, c.conv
	c.mu.Unlock()

	if state == slotBound {
		util.LogWarning("client already bound to conv %d, surplus handshake response dropped", conv)
	} else {
		util.LogWarning("client session closed, late handshake response dropped")
	}
	c.drop(metrics.ReasonSurplusConv)
}

func (c *Client) drop(reason string) {
	util.Stats.AddDrop()
	c.opts.metrics.RecordDrop(roleClient, reason)
}
