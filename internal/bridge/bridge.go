// Package bridge carries dispatch outcomes between the pipeline and the
// control process over a loopback TCP socket. Delivery is best effort
// and at most once: one connection per event, one JSON object per
// connection, and every failure is swallowed so the dispatcher never
// stalls on the control plane.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"transit_relay/internal/model"
)

const (
	dialTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	maxEventSize = 64 * 1024
)

// Notifier publishes dispatch events to a listener, if one is running.
type Notifier struct {
	addr    string
	enabled bool
	log     *slog.Logger
}

// NewNotifier creates a notifier for the given loopback address. A
// disabled notifier drops every event.
func NewNotifier(host string, port int, enabled bool, log *slog.Logger) *Notifier {
	return &Notifier{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		enabled: enabled,
		log:     log,
	}
}

// Publish sends one event. Absence of a listener, connection failures
// and partial writes are all logged at debug and otherwise ignored.
func (n *Notifier) Publish(ev model.DispatchEvent) {
	if !n.enabled {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Debug("marshal dispatch event", "error", err)
		return
	}

	conn, err := net.DialTimeout("tcp", n.addr, dialTimeout)
	if err != nil {
		n.log.Debug("event listener unreachable", "addr", n.addr, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(payload); err != nil {
		n.log.Debug("write dispatch event", "error", err)
	}
}

// Listener accepts dispatch events on the loopback socket and hands
// each decoded event to the callback. Malformed payloads are dropped.
type Listener struct {
	addr string
	log  *slog.Logger
}

// NewListener creates a listener bound to the given loopback address.
func NewListener(host string, port int, log *slog.Logger) *Listener {
	return &Listener{
		addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		log:  log,
	}
}

// Run accepts connections until ctx is cancelled. Each connection
// carries exactly one event.
func (l *Listener) Run(ctx context.Context, handle func(model.DispatchEvent)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	l.log.Info("event bridge listening", "addr", l.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept event connection", "error", err)
			continue
		}
		l.handleConn(conn, handle)
	}
}

func (l *Listener) handleConn(conn net.Conn, handle func(model.DispatchEvent)) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))

	buf := make([]byte, maxEventSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		l.log.Debug("read dispatch event", "error", err)
		return
	}

	var ev model.DispatchEvent
	if err := json.Unmarshal(buf[:n], &ev); err != nil {
		l.log.Debug("drop malformed event", "error", err)
		return
	}
	handle(ev)
}
