package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/smsrelay/internal/auth"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/transport"
)

// Bridge keeps the hub joined to an external relay room named after the
// current pairing code. The relay forwards frames between the hub and the
// agent, so the same hub protocol runs over the relay connection.
type Bridge struct {
	hub    *Hub
	dialer transport.Dialer
	kick   chan struct{}

	mu      sync.Mutex
	conn    transport.Conn
	attempt int
}

func NewBridge(h *Hub, dialer transport.Dialer) *Bridge {
	if dialer == nil {
		dialer = transport.RelayDialer{WriteTimeout: h.cfg.Session.WriteTimeout}
	}
	b := &Bridge{hub: h, dialer: dialer, kick: make(chan struct{}, 1)}
	h.OnRotate(func(auth.Credential) { b.Reconnect() })
	return b
}

// Run dials and serves the relay until ctx ends, backing off between attempts.
func (b *Bridge) Run(ctx context.Context) error {
	cfg := b.hub.cfg
	for {
		if err := ctx.Err(); err != nil {
			b.hub.SetServerState(StateStopped)
			return err
		}
		url, err := transport.RelayURL(cfg.RelayURL, b.hub.PairingCode(), cfg.RelaySecret)
		if err != nil {
			return err
		}
		dctx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
		conn, err := b.dialer.Dial(dctx, url)
		cancel()
		if err != nil {
			logs.Warnf("hub.Bridge.Run dial relay=%q err=%v", cfg.RelayURL, err)
		} else {
			b.setConn(conn)
			b.hub.SetServerState(StateBridging)
			logs.Infof("hub.Bridge.Run joined relay=%q", cfg.RelayURL)
			authenticated, serr := b.hub.serve(ctx, conn, false)
			b.setConn(nil)
			if authenticated {
				b.resetAttempt()
			}
			if serr != nil && !errors.Is(serr, context.Canceled) {
				logs.Warnf("hub.Bridge.Run relay closed err=%v", serr)
			}
		}
		if ctx.Err() != nil {
			continue
		}
		b.hub.SetServerState(StateRelayRetry)
		delay := b.nextDelay()
		observability.RecordReconnectScheduled(role)
		logs.Debugf("hub.Bridge.Run reconnect delay=%s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-b.kick:
			timer.Stop()
			b.resetAttempt()
		case <-timer.C:
		}
	}
}

// Reconnect drops the current relay connection and redials without waiting.
func (b *Bridge) Reconnect() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (b *Bridge) setConn(conn transport.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

func (b *Bridge) resetAttempt() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *Bridge) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := session.ReconnectDelay(b.hub.cfg.Session.Backoff, b.attempt, nil)
	b.attempt++
	return delay
}
