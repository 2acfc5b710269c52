package kcpnet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/kcpnet/internal/kcpnet"
	"github.com/1ureka/kcpnet/internal/kcpsession"
)

func TestEchoOverKCP(t *testing.T) {
	cfg := kcpsession.DefaultConfig()

	srv := kcpnet.NewServer(kcpsession.Factory(cfg, func(s *kcpsession.Session, payload []byte) {
		_ = s.Send(append([]byte("echo: "), payload...))
	}))
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	replies := make(chan string, 8)
	cli := kcpnet.NewClient(kcpsession.Factory(cfg, func(_ *kcpsession.Session, payload []byte) {
		replies <- string(payload)
	}))
	require.NoError(t, cli.Start(context.Background(), srv.LocalAddr().String()))
	t.Cleanup(cli.Close)

	ok, err := cli.Connect(context.Background(), 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cli.Send([]byte("hi")))
	select {
	case got := <-replies:
		assert.Equal(t, "echo: hi", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	infos := srv.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, cli.Conv(), infos[0].Conv)

	cli.Disconnect()
	require.Eventually(t, func() bool { return srv.Len() == 0 }, 2*time.Second, 10*time.Millisecond,
		"server session should close on the client's goodbye")
}

func TestBroadcastOverKCP(t *testing.T) {
	cfg := kcpsession.DefaultConfig()

	srv := kcpnet.NewServer(kcpsession.Factory(cfg, nil))
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	received := make(chan uint32, 8)
	for i := 0; i < 3; i++ {
		cli := kcpnet.NewClient(kcpsession.Factory(cfg, func(s *kcpsession.Session, _ []byte) {
			received <- s.Conv()
		}))
		require.NoError(t, cli.Start(context.Background(), srv.LocalAddr().String()))
		t.Cleanup(cli.Close)

		ok, err := cli.Connect(context.Background(), 10*time.Millisecond, 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		// The server registers a session on the client's first KCP datagram.
		require.NoError(t, cli.Send([]byte("hello")))
	}
	require.Eventually(t, func() bool { return srv.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, info := range srv.Sessions() {
			if !info.Connected {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, srv.Broadcast([]byte("news")))

	seen := make(map[uint32]bool)
	for len(seen) < 3 {
		select {
		case conv := <-received:
			seen[conv] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast reached %d of 3 clients", len(seen))
		}
	}
}
