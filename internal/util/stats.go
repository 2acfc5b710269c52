package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram/session counter.
var Stats = &stats{}

type stats struct {
	OpenedSessions atomic.Int64 // cumulative count of sessions registered since process start
	ClosedSessions atomic.Int64 // cumulative count of sessions closed since process start
	Handshakes     atomic.Int64 // cumulative count of convs handed out
	Dropped        atomic.Int64 // cumulative count of datagrams dropped by a dispatch loop
	BytesSent      atomic.Int64 // cumulative bytes written to UDP sockets
	BytesRecv      atomic.Int64 // cumulative bytes read from UDP sockets
}

func (s *stats) AddSession()    { s.OpenedSessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddHandshake()  { s.Handshakes.Add(1) }
func (s *stats) AddDrop()       { s.Dropped.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed, prevHandshakes, prevDropped int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedSessions.Load()
				closed := Stats.ClosedSessions.Load()
				handshakes := Stats.Handshakes.Load()
				dropped := Stats.Dropped.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := opened - prevOpened
				downC := closed - prevClosed
				hsC := handshakes - prevHandshakes
				dropC := dropped - prevDropped

				if upC > 0 || downC > 0 || hsC > 0 || dropC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC, hsC, dropC))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed
				prevHandshakes = handshakes
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC, hsC, dropC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ | Handshakes: %d | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		hsC,
		dropC,
	)
}
