package kcpnet

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/protocol"
	"github.com/1ureka/kcpnet/internal/session"
)

const waitFor = 2 * time.Second

// fakeEngine records what the multiplexer hands it. Send writes the payload
// back out behind the conv header.
type fakeEngine struct {
	mu        sync.Mutex
	conv      uint32
	remote    *net.UDPAddr
	send      session.SendFunc
	onClose   session.CloseFunc
	connected bool
	inputs    [][]byte
	sent      [][]byte
	closes    int
	panicky   bool

	// closeDelay stands in for a goodbye flush: Close holds off the close
	// notification this long.
	closeDelay time.Duration
}

func (e *fakeEngine) Init(conv uint32, send session.SendFunc, remote *net.UDPAddr, onClose session.CloseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv, e.send, e.remote, e.onClose = conv, send, remote, onClose
	e.connected = true
}

func (e *fakeEngine) Input(datagram []byte) {
	e.mu.Lock()
	panicky := e.panicky
	e.inputs = append(e.inputs, datagram)
	e.mu.Unlock()
	if panicky {
		panic("engine exploded")
	}
}

func (e *fakeEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) Send(payload []byte) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	e.sent = append(e.sent, payload)
	datagram := make([]byte, protocol.ConvSize+len(payload))
	protocol.PutConv(datagram, e.conv)
	copy(datagram[protocol.ConvSize:], payload)
	send, remote := e.send, e.remote
	e.mu.Unlock()

	send(datagram, remote)
	return nil
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	e.closes++
	first := e.closes == 1 && e.connected
	e.connected = false
	conv, onClose, delay := e.conv, e.onClose, e.closeDelay
	e.mu.Unlock()

	time.Sleep(delay)
	if first && onClose != nil {
		onClose(conv)
	}
}

func (e *fakeEngine) Conv() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

func (e *fakeEngine) Inputs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.inputs...)
}

func (e *fakeEngine) Sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.sent...)
}

func (e *fakeEngine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// fakeFactory builds fakeEngines and keeps every one it built.
type fakeFactory struct {
	mu         sync.Mutex
	engines    []*fakeEngine
	panicky    bool
	closeDelay time.Duration
}

func (f *fakeFactory) New() session.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{panicky: f.panicky, closeDelay: f.closeDelay}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeFactory) Built() []*fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeEngine(nil), f.engines...)
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// counterValue reads the current value of a counter.
func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return -1
	}
	return out.GetCounter().GetValue()
}

func dropped(m *metrics.Metrics, role, reason string) float64 {
	return counterValue(m.DatagramsDropped.WithLabelValues(role, reason))
}

// listenPeer opens a raw loopback UDP socket standing in for the other side.
func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readDatagram reads one datagram from conn or fails the test.
func readDatagram(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

// datagram builds conv followed by payload.
func datagram(conv uint32, payload string) []byte {
	buf := make([]byte, protocol.ConvSize+len(payload))
	protocol.PutConv(buf, conv)
	copy(buf[protocol.ConvSize:], payload)
	return buf
}
