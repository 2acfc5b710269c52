package kcpnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/protocol"
)

func startClient(t *testing.T, server *net.UDPConn, f *fakeFactory, opts ...Option) *Client {
	t.Helper()
	cli := NewClient(f.New, opts...)
	require.NoError(t, cli.Start(context.Background(), server.LocalAddr().String()))
	t.Cleanup(cli.Close)
	return cli
}

// loopback returns the client's address as seen on the loopback interface.
func loopback(cli *Client) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cli.LocalAddr().Port}
}

// respond answers the next handshake request arriving at server with conv.
func respond(t *testing.T, server *net.UDPConn, conv uint32) {
	t.Helper()
	req, from := readDatagram(t, server)
	require.Equal(t, protocol.EncodeHandshakeRequest(), req)
	_, err := server.WriteToUDP(protocol.EncodeHandshakeResponse(conv), from)
	require.NoError(t, err)
}

func TestClientConnectBindsAssignedConv(t *testing.T) {
	server := listenPeer(t)
	f := &fakeFactory{}
	cli := startClient(t, server, f)

	go respond(t, server, 42)
	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint32(42), cli.Conv())
	assert.True(t, cli.Connected())
	engines := f.Built()
	require.Len(t, engines, 1)
	assert.Equal(t, uint32(42), engines[0].Conv())
	assert.True(t, sameAddr(engines[0].remote, server.LocalAddr().(*net.UDPAddr)))
}

func TestClientConnectTimesOut(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{})

	start := time.Now()
	ok, err := cli.Connect(context.Background(), 50*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Nil(t, cli.Session())
}

func TestClientConnectRetriesLostRequest(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{})

	go func() {
		readDatagram(t, server) // first request is lost
		respond(t, server, 7)
	}()
	ok, err := cli.Connect(context.Background(), 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), cli.Conv())
}

func TestClientConnectWithoutRetrySendsOnce(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{}, WithHandshakeRetry(false))

	ok, err := cli.Connect(context.Background(), 20*time.Millisecond, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	readDatagram(t, server)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = server.ReadFromUDP(make([]byte, 64))
	assert.Error(t, err, "only one request should have been sent")
}

func TestClientConnectHonorsContext(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	ok, err := cli.Connect(ctx, 10*time.Millisecond, time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientConnectBeforeStart(t *testing.T) {
	cli := NewClient((&fakeFactory{}).New)
	ok, err := cli.Connect(context.Background(), time.Millisecond, time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, cli.Send([]byte("x")), ErrNotConnected)
}

func TestClientSurplusResponseIsIgnored(t *testing.T) {
	server := listenPeer(t)
	f := &fakeFactory{}
	m := newTestMetrics()
	cli := startClient(t, server, f, WithMetrics(m))

	to := loopback(cli)
	for _, conv := range []uint32{42, 43} {
		_, err := server.WriteToUDP(protocol.EncodeHandshakeResponse(conv), to)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonSurplusConv) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint32(42), cli.Conv())
	assert.Len(t, f.Built(), 1)
}

func TestClientIgnoresForeignSender(t *testing.T) {
	server := listenPeer(t)
	intruder := listenPeer(t)
	f := &fakeFactory{}
	m := newTestMetrics()
	cli := startClient(t, server, f, WithMetrics(m))

	to := loopback(cli)
	_, err := intruder.WriteToUDP(protocol.EncodeHandshakeResponse(99), to)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonForeignSender) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Nil(t, cli.Session())

	_, err = server.WriteToUDP(protocol.EncodeHandshakeResponse(5), to)
	require.NoError(t, err)
	require.Eventually(t, cli.Connected, waitFor, 5*time.Millisecond)

	_, err = intruder.WriteToUDP(datagram(5, "spoofed"), to)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonForeignSender) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, f.Built()[0].Inputs())
}

func TestClientDropsPayloadBeforeHandshake(t *testing.T) {
	server := listenPeer(t)
	f := &fakeFactory{}
	m := newTestMetrics()
	cli := startClient(t, server, f, WithMetrics(m))

	to := loopback(cli)
	_, err := server.WriteToUDP(datagram(5, "too early"), to)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonEarlyPayload) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, f.Built())

	_, err = server.WriteToUDP(protocol.EncodeHandshakeResponse(5), to)
	require.NoError(t, err)
	_, err = server.WriteToUDP(datagram(5, "on time"), to)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		engines := f.Built()
		return len(engines) == 1 && len(engines[0].Inputs()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, datagram(5, "on time"), f.Built()[0].Inputs()[0])
}

func TestClientRejectsReservedConv(t *testing.T) {
	server := listenPeer(t)
	m := newTestMetrics()
	cli := startClient(t, server, &fakeFactory{}, WithMetrics(m))

	_, err := server.WriteToUDP(protocol.EncodeHandshakeResponse(protocol.ConvWrap), loopback(cli))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonBadHandshake) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Nil(t, cli.Session())
}

func TestClientSendGoesThroughSession(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{})

	go respond(t, server, 12)
	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cli.Send([]byte("ping")))
	got, _ := readDatagram(t, server)
	assert.Equal(t, datagram(12, "ping"), got)
}

func TestClientDisconnect(t *testing.T) {
	server := listenPeer(t)
	f := &fakeFactory{}
	cli := startClient(t, server, f)

	cli.Disconnect() // nothing bound yet

	go respond(t, server, 3)
	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	cli.Disconnect()
	assert.Nil(t, cli.Session())
	assert.Zero(t, cli.Conv())
	assert.Equal(t, 1, f.Built()[0].Closes())

	select {
	case <-cli.Done():
	case <-time.After(waitFor):
		t.Fatal("socket not released after the session closed")
	}

	cli.Disconnect()
	assert.ErrorIs(t, cli.Send([]byte("late")), ErrNotConnected)
}

func TestClientIgnoresResponseAfterDisconnect(t *testing.T) {
	server := listenPeer(t)
	f := &fakeFactory{closeDelay: 200 * time.Millisecond}
	m := newTestMetrics()
	cli := startClient(t, server, f, WithMetrics(m))

	go respond(t, server, 42)
	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	engine := f.Built()[0]

	disconnected := make(chan struct{})
	go func() {
		cli.Disconnect()
		close(disconnected)
	}()
	require.Eventually(t, func() bool { return engine.Closes() == 1 }, waitFor, time.Millisecond)

	// A retried request answered while the goodbye is still flushing.
	_, err = server.WriteToUDP(protocol.EncodeHandshakeResponse(43), loopback(cli))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dropped(m, roleClient, metrics.ReasonSurplusConv) == 1
	}, waitFor, time.Millisecond)

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("Disconnect did not return")
	}
	assert.Len(t, f.Built(), 1)
	assert.Nil(t, cli.Session())
	assert.Zero(t, cli.Conv())
	assert.ErrorIs(t, cli.Send([]byte("late")), ErrNotConnected)
}

func TestClientConnectAfterClose(t *testing.T) {
	server := listenPeer(t)
	cli := startClient(t, server, &fakeFactory{})
	cli.Close()

	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}
