package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/kcpnet/internal/config"
	"github.com/1ureka/kcpnet/internal/kcpnet"
	"github.com/1ureka/kcpnet/internal/kcpsession"
	"github.com/1ureka/kcpnet/internal/metrics"
	"github.com/1ureka/kcpnet/internal/monitor"
	"github.com/1ureka/kcpnet/internal/util"
)

// runServer starts the multiplexer, the optional monitor and a stdin loop
// whose lines are broadcast to every session. Blocks until ctx is done.
func runServer(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	opts := []kcpnet.Option{
		kcpnet.WithMetrics(m),
		kcpnet.WithReadBuffer(cfg.Server.ReadBuffer),
		kcpnet.WithMaxDatagram(cfg.Server.MaxDatagram),
		kcpnet.WithSendQueue(cfg.Server.SendQueue),
	}

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.New(nil, prometheus.DefaultGatherer)
		opts = append(opts, kcpnet.WithObserver(mon.Observe))
	}

	srv := kcpnet.NewServer(kcpsession.Factory(cfg.Session.Kcp(), echo), opts...)
	if err := srv.Start(ctx, cfg.Server.Listen); err != nil {
		return err
	}
	defer srv.Stop()

	if mon != nil {
		mon.SetSource(srv)
		if _, err := mon.Start(cfg.Monitor.Listen); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Close(shutdownCtx)
		}()
	}

	go broadcastStdin(ctx, srv)

	<-ctx.Done()
	return nil
}

// echo replies to every message on the session it arrived on.
func echo(s *kcpsession.Session, payload []byte) {
	msg, ok := decodeMessage(s, payload)
	if !ok {
		return
	}
	util.LogInfo("[%d] #%d %q", s.Conv(), msg.Seq, msg.Text)

	reply := newMessage(s, 0, fmt.Sprintf("echo: %s", msg.Text))
	if err := s.SendMsg(reply); err != nil {
		util.LogWarning("[%d] echo failed: %v", s.Conv(), err)
	}
}

// broadcastStdin sends every stdin line to all sessions.
func broadcastStdin(ctx context.Context, srv *kcpnet.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		n, err := srv.BroadcastMsg(Message{From: 0, Text: text, SentAt: time.Now()})
		if err != nil {
			util.LogWarning("broadcast failed: %v", err)
			continue
		}
		util.LogInfo("broadcast reached %d sessions", n)
	}
}
