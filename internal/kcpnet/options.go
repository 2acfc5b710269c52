package kcpnet

import "github.com/1ureka/kcpnet/internal/metrics"

const defaultMaxDatagram = 64 * 1024 // receive buffer per dispatch loop

type options struct {
	metrics        *metrics.Metrics
	observer       Observer
	readBuffer     int
	maxDatagram    int
	sendQueue      int
	handshakeRetry bool
}

func defaultOptions() options {
	return options{
		maxDatagram:    defaultMaxDatagram,
		sendQueue:      defaultSendQueue,
		handshakeRetry: true,
	}
}

// Option configures a Server or Client.
type Option func(*options)

// WithMetrics records datagram and session counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver delivers session lifecycle events to fn.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithReadBuffer sets SO_RCVBUF on the socket.
func WithReadBuffer(bytes int) Option {
	return func(o *options) { o.readBuffer = bytes }
}

// WithMaxDatagram sets the largest datagram the dispatch loop can read.
func WithMaxDatagram(bytes int) Option {
	return func(o *options) {
		if bytes > 0 {
			o.maxDatagram = bytes
		}
	}
}

// WithSendQueue sets the outbound datagram queue capacity.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithHandshakeRetry controls whether Connect re-sends the handshake
// request on every poll tick until a conv is bound. Enabled by default;
// disabled, a single lost request exhausts the timeout.
func WithHandshakeRetry(enabled bool) Option {
	return func(o *options) { o.handshakeRetry = enabled }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
