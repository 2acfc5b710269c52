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
	"github.com/1ureka/kcpnet/internal/util"
)

// runClient connects to the server and sends stdin lines until EOF, "/quit",
// ctx cancellation or the session closing.
func runClient(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	cli := kcpnet.NewClient(kcpsession.Factory(cfg.Session.Kcp(), printMessage),
		kcpnet.WithMetrics(m),
		kcpnet.WithReadBuffer(cfg.Client.ReadBuffer),
		kcpnet.WithMaxDatagram(cfg.Client.MaxDatagram),
		kcpnet.WithSendQueue(cfg.Client.SendQueue),
		kcpnet.WithHandshakeRetry(cfg.Client.Retry()),
	)
	if err := cli.Start(ctx, cfg.Client.Server); err != nil {
		return err
	}
	defer cli.Close()

	ok, err := cli.Connect(ctx, cfg.Client.PollInterval, cfg.Client.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("no handshake response from %s within %s", cfg.Client.Server, cfg.Client.ConnectTimeout)
	}

	sess, _ := cli.Session().(*kcpsession.Session)
	if sess == nil {
		return fmt.Errorf("unexpected session type %T", cli.Session())
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case text, open := <-lines:
			if !open || text == "/quit" {
				cli.Disconnect()
				return nil
			}
			if text == "" {
				continue
			}
			if err := cli.SendMsg(newMessage(sess, sess.Conv(), text)); err != nil {
				util.LogWarning("send failed: %v", err)
			}

		case <-sess.Done():
			util.LogWarning("session closed by peer")
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// printMessage shows every message the server sends.
func printMessage(s *kcpsession.Session, payload []byte) {
	msg, ok := decodeMessage(s, payload)
	if !ok {
		return
	}
	lag := time.Since(msg.SentAt).Round(time.Millisecond)
	util.LogInfo("[%d] server #%d %q (%s)", s.Conv(), msg.Seq, msg.Text, lag)
}

// readLines forwards trimmed stdin lines and closes out on EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}
