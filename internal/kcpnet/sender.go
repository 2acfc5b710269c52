package kcpnet

import (
	"context"
	"errors"
	"net"

	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/util"
)

const defaultSendQueue = 1024 // outbound datagram channel capacity

// outbound is one datagram waiting for the writer goroutine.
type outbound struct {
	data []byte
	to   *net.UDPAddr
}

// sender is a goroutine-based datagram writer. Engines and the dispatch loop
// enqueue through send, which never blocks; the loop performs the socket
// writes.
type sender struct {
	conn    *net.UDPConn
	role    string
	metrics *metrics.Metrics
	inbox   chan outbound
	done    chan struct{} // closed when the loop exits
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or the socket is closed.
func newSender(ctx context.Context, conn *net.UDPConn, role string, m *metrics.Metrics, queue int) *sender {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	s := &sender{
		conn:    conn,
		role:    role,
		metrics: m,
		inbox:   make(chan outbound, queue),
		done:    make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

// loop is the single-writer goroutine. On cancellation it drains whatever
// is already queued, so the socket must stay open until done is closed.
func (s *sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case out := <-s.inbox:
			if !s.write(out) {
				return
			}
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain writes every queued datagram without waiting for more.
func (s *sender) drain() {
	for {
		select {
		case out := <-s.inbox:
			if !s.write(out) {
				return
			}
		default:
			return
		}
	}
}

// write performs one socket write. It returns false once the socket is closed.
func (s *sender) write(out outbound) bool {
	n, err := s.conn.WriteToUDP(out.data, out.to)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false
		}
		util.LogWarning("%s UDP send to %s failed: %v", s.role, out.to, err)
		return true
	}
	util.Stats.AddSent(n)
	s.metrics.RecordSent(s.role, n)
	return true
}

// send enqueues a copy of data for transmission to `to`. Engines may reuse
// their output buffer as soon as send returns. When the queue is full the
// datagram is dropped; the reliable layer above retransmits.
func (s *sender) send(data []byte, to *net.UDPAddr) {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case s.inbox <- outbound{data: buf, to: to}:
	default:
		util.Stats.AddDrop()
		s.metrics.RecordDrop(s.role, metrics.ReasonSendQueueFull)
		util.LogWarning("%s send queue full, dropping %d bytes to %s", s.role, len(buf), to)
	}
}
