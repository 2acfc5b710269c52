package kcpsession

import (
	"fmt"
	"time"
)

// Config tunes the KCP state machine and the session timers.
type Config struct {
	NoDelay      int // 1 enables nodelay mode
	Interval     int // internal update interval, milliseconds
	Resend       int // fast-resend trigger, 0 disables
	NoCongestion int // 1 disables congestion control
	SendWindow   int // segments
	RecvWindow   int // segments
	MTU          int // bytes

	KeepAlive   time.Duration // ping period while idle; 0 disables
	IdleTimeout time.Duration // close after this long without input; 0 disables
}

// DefaultConfig returns the "fast" KCP profile with a 5s keepalive and a
// 30s idle timeout.
func DefaultConfig() Config {
	return Config{
		NoDelay:      1,
		Interval:     10,
		Resend:       2,
		NoCongestion: 1,
		SendWindow:   128,
		RecvWindow:   128,
		MTU:          1400,
		KeepAlive:    5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// Validate rejects values the KCP state machine cannot run with.
func (c Config) Validate() error {
	if c.Interval < 10 || c.Interval > 5000 {
		return fmt.Errorf("interval must be 10~5000ms, got %d", c.Interval)
	}
	if c.SendWindow <= 0 || c.RecvWindow <= 0 {
		return fmt.Errorf("windows must be positive, got snd=%d rcv=%d", c.SendWindow, c.RecvWindow)
	}
	if c.MTU < 50 || c.MTU > 65507 {
		return fmt.Errorf("mtu must be 50~65507, got %d", c.MTU)
	}
	if c.KeepAlive < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("keepalive and idle timeout must not be negative")
	}
	if c.IdleTimeout > 0 && c.KeepAlive >= c.IdleTimeout {
		return fmt.Errorf("keepalive (%s) must be shorter than idle timeout (%s)", c.KeepAlive, c.IdleTimeout)
	}
	return nil
}
