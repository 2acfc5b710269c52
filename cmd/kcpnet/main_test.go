package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/kcpnet/internal/codec"
	"github.com/1ureka/kcpnet/internal/config"
	"github.com/1ureka/kcpnet/internal/kcpsession"
)

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Role = config.RoleClient

	applyFlags(&cfg, "10.0.0.9:9000", "127.0.0.1:9200", 20*time.Millisecond, time.Second, true)

	assert.Equal(t, "10.0.0.9:9000", cfg.Client.Server)
	assert.Equal(t, "0.0.0.0:9527", cfg.Server.Listen, "server address untouched for a client")
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 20*time.Millisecond, cfg.Client.PollInterval)
	assert.Equal(t, time.Second, cfg.Client.ConnectTimeout)
	assert.False(t, cfg.Client.Retry())
	require.NoError(t, cfg.Validate())
}

func TestApplyFlagsKeepsConfigWhenUnset(t *testing.T) {
	cfg := config.Default()
	applyFlags(&cfg, "", "", 0, 0, false)
	assert.Equal(t, config.Default(), cfg)
}

func TestMessageRoundTrip(t *testing.T) {
	s := kcpsession.New(kcpsession.DefaultConfig(), nil)
	msg := newMessage(s, 3, "hello")
	assert.Equal(t, uint32(1), msg.Seq)

	payload, err := codec.Pack(msg)
	require.NoError(t, err)

	got, ok := decodeMessage(s, payload)
	require.True(t, ok)
	assert.Equal(t, msg.Seq, got.Seq)
	assert.Equal(t, uint32(3), got.From)
	assert.Equal(t, "hello", got.Text)

	_, ok = decodeMessage(s, []byte("garbage"))
	assert.False(t, ok)
}
