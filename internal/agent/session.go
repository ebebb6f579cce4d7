// Package agent implements the device side of the relay: the paired,
// auto-reconnecting session toward the hub and the notification relay
// feeding it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/command"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/replytarget"
	"github.com/danmuck/smsrelay/internal/transport"
)

const role = "agent"

var ErrNotPaired = errors.New("agent: not paired")

type Config struct {
	Session    session.Config
	Device     string
	AppVersion string
	Now        func() time.Time
}

// Snapshot is a point-in-time view of the session for presentation.
type Snapshot struct {
	State               session.State
	Paired              bool
	URL                 string
	Attempt             int
	ReconnectPending    bool
	LastAuthenticatedAt time.Time
	LastLivenessAt      time.Time
	QueuedSms           int
	QueuedCalls         int
}

// Session owns the agent's single logical connection to the hub.
// All lifecycle state is guarded by mu. Transport reads and writes run on
// per-connection goroutines tagged with a generation so stale loops and
// timers are inert; nothing holding mu ever waits on the network.
type Session struct {
	cfg      Config
	dialer   transport.Dialer
	platform Platform
	observer Observer
	dispatch *session.Dispatcher
	queue    *session.OutboundQueue
	executor *command.Executor
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	creds          *auth.PairingPayload
	state          session.State
	gen            uint64
	conn           transport.Conn
	out            chan protocol.Message
	stopWrites     chan struct{}
	attempt        int
	lastAuthAt     time.Time
	lastLivenessAt time.Time
	reconnectTimer *time.Timer
	timerSeq       uint64
	stopKeepalive  chan struct{}
	closed         bool
}

func NewSession(cfg Config, dialer transport.Dialer, creds *auth.PairingPayload, platform Platform, observer Observer) *Session {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		platform: platform,
		observer: observer,
		dispatch: session.NewDispatcher(),
		queue:    session.NewOutboundQueue(cfg.Session.SmsQueueCap, cfg.Session.CallQueueCap),
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
		state:    session.StateDisconnected,
	}
	if creds != nil {
		c := *creds
		s.creds = &c
	}
	s.executor = command.NewExecutor(command.ExecutorConfig{
		Sender:   platform.Sms,
		Injector: platform.Replies,
		Now:      cfg.Now,
	}, s.sendResult)
	return s
}

// Targets is the reply-target store shared with the notification relay.
func (s *Session) Targets() *replytarget.Store {
	return s.executor.Targets()
}

// Start binds the session to ctx and connects if paired.
func (s *Session) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
	}()
	if err := s.Connect(); err != nil {
		logs.Infof("agent.Session.Start waiting for pairing")
	}
}

// Connect opens a connection when paired and idle.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return ErrNotPaired
	}
	s.connectLocked()
	return nil
}

// Close tears the session down for good.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelReconnectLocked()
	s.teardownLocked("closed")
	s.mu.Unlock()
	s.cancel()
	s.dispatch.Close()
}

// ClearPairing forgets the credential and suppresses reconnects until SetPairing.
func (s *Session) ClearPairing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelReconnectLocked()
	s.teardownLocked("pairing cleared")
	s.creds = nil
	s.attempt = 0
	s.queue.Clear()
	s.executor.Targets().Clear()
	logs.Infof("agent.Session.ClearPairing")
}

// SetPairing installs a credential. A changed token or url forces a fresh connection.
func (s *Session) SetPairing(p auth.PairingPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.creds
	s.creds = &p
	changed := old == nil || old.PairingToken != p.PairingToken || old.URL != p.URL
	if !changed {
		s.connectLocked()
		return nil
	}
	logs.Infof("agent.Session.SetPairing url=%q", p.URL)
	s.cancelReconnectLocked()
	if s.state != session.StateDisconnected {
		s.teardownLocked("credential changed")
	}
	s.attempt = 0
	s.connectLocked()
	return nil
}

// Enqueue buffers ev and sends it as soon as the session is authenticated.
func (s *Session) Enqueue(ev session.OutboundEvent) {
	if !ev.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Push(ev) {
		observability.RecordQueueDrop(string(ev.Class()))
		logs.Warnf("agent.Session.Enqueue dropped oldest class=%s", ev.Class())
	}
	if s.state.Authenticated() {
		s.flushLocked()
		return
	}
	s.connectLocked()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:               s.state,
		Paired:              s.creds != nil,
		Attempt:             s.attempt,
		ReconnectPending:    s.reconnectTimer != nil,
		LastAuthenticatedAt: s.lastAuthAt,
		LastLivenessAt:      s.lastLivenessAt,
	}
	if s.creds != nil {
		snap.URL = s.creds.URL
	}
	snap.QueuedSms, snap.QueuedCalls = s.queue.Len()
	return snap
}

func (s *Session) connectLocked() {
	if s.closed || s.creds == nil || s.ctx.Err() != nil {
		return
	}
	if s.state != session.StateDisconnected {
		return
	}
	s.cancelReconnectLocked()
	s.gen++
	gen := s.gen
	url := s.creds.URL
	token := s.creds.PairingToken
	s.setStateLocked(session.StateConnecting)
	go s.dial(gen, url, token)
}

func (s *Session) dial(gen uint64, url, token string) {
	if err := s.cfg.Session.ValidateClientTransport(url); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen {
			logs.Errf("agent.Session.dial url=%q err=%v", url, err)
			s.setStateLocked(session.StateDisconnected)
		}
		return
	}
	dctx, cancel := context.WithTimeout(s.ctx, s.cfg.Session.ConnectTimeout)
	conn, err := s.dialer.Dial(dctx, url)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != session.StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		logs.Warnf("agent.Session.dial url=%q err=%v", url, err)
		s.dropLocked(err)
		return
	}
	s.conn = conn
	s.out = make(chan protocol.Message, s.outboundBuffer())
	s.stopWrites = make(chan struct{})
	go s.writePump(gen, conn, s.out, s.stopWrites)
	s.setStateLocked(session.StateAuthenticating)
	frame := session.AuthFrame(token, s.cfg.Device, s.cfg.AppVersion)
	if err := s.sendLocked(frame); err != nil {
		s.dropLocked(err)
		return
	}
	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		raw, err := conn.Receive(s.ctx)
		if err != nil {
			s.mu.Lock()
			if gen == s.gen && s.conn == conn {
				logs.Warnf("agent.Session.readLoop remote=%q err=%v", conn.RemoteAddr(), err)
				s.dropLocked(err)
			}
			s.mu.Unlock()
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logs.Debugf("agent.Session.readLoop ignored err=%v", err)
			} else {
				logs.Warnf("agent.Session.readLoop decode err=%v", err)
			}
			continue
		}
		observability.RecordMessage(role, "in", msg.MessageType())
		if !s.handle(gen, msg) {
			return
		}
	}
}

// handle processes one inbound frame; it returns false once gen is stale.
func (s *Session) handle(gen uint64, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.AuthOK:
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return false
		}
		if s.state != session.StateAuthenticating {
			return true
		}
		now := s.now()
		s.attempt = 0
		s.lastAuthAt = now
		s.lastLivenessAt = now
		s.setStateLocked(session.StateAuthenticated)
		s.dispatch.Post(func() { s.observer.OnAuthStateChanged(true) })
		logs.Infof("agent.Session.auth ok remote=%q", s.conn.RemoteAddr())
		s.startKeepaliveLocked(gen)
		s.flushLocked()
	case protocol.AuthFail:
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return false
		}
		logs.Warnf("agent.Session.auth rejected reason=%q", m.Reason)
		s.dropLocked(fmt.Errorf("%w: %s", protocol.ErrAuthRejected, m.Reason))
		return false
	case protocol.Pong:
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return false
		}
		s.lastLivenessAt = s.now()
	case protocol.Ping:
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return false
		}
		if s.state.Authenticated() {
			if err := s.sendLocked(protocol.Pong{}); err != nil {
				s.dropLocked(err)
				return false
			}
		}
	case protocol.SmsReply:
		live, run := s.acceptCommand(gen)
		if run {
			go s.executor.QuickReply(s.ctx, m)
		}
		return live
	case protocol.ReplySms:
		live, run := s.acceptCommand(gen)
		if run {
			go s.executor.DirectSend(s.ctx, m)
		}
		return live
	case protocol.CallHangup:
		live, run := s.acceptCommand(gen)
		if run {
			go s.hangUp()
		}
		return live
	default:
		logs.Debugf("agent.Session.handle ignored type=%s", msg.MessageType())
	}
	return true
}

// acceptCommand gates commands on the current, authenticated connection.
func (s *Session) acceptCommand(gen uint64) (live, run bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false, false
	}
	if !s.state.Authenticated() {
		logs.Warnf("agent.Session.handle command before auth ignored")
		return true, false
	}
	return true, true
}

func (s *Session) hangUp() {
	if s.platform.Calls == nil {
		logs.Warnf("agent.Session.hangUp no call controller")
		return
	}
	if err := s.platform.Calls.HangUp(s.ctx); err != nil {
		logs.Warnf("agent.Session.hangUp err=%v", err)
		return
	}
	logs.Infof("agent.Session.hangUp ok")
}

// sendResult forwards a command outcome to the hub while authenticated.
func (s *Session) sendResult(msg protocol.Message) {
	success := false
	switch m := msg.(type) {
	case protocol.ReplySmsResult:
		success = m.Success
	case protocol.SmsReplyResult:
		success = m.Success
	}
	observability.RecordCommandResult(msg.MessageType(), success)

	s.mu.Lock()
	if s.state.Authenticated() && s.out != nil {
		if err := s.sendLocked(msg); err != nil {
			s.dropLocked(err)
		}
	} else {
		logs.Warnf("agent.Session.sendResult type=%s dropped: not authenticated", msg.MessageType())
	}
	s.dispatch.Post(func() { s.observer.OnCommandResult(msg) })
	s.mu.Unlock()
}

// outboundBuffer fits a full queue flush plus results and pings in flight.
func (s *Session) outboundBuffer() int {
	return s.cfg.Session.SmsQueueCap + s.cfg.Session.CallQueueCap + 32
}

// sendLocked hands msg to the connection's write pump without blocking.
// A full buffer means the peer stopped draining and counts as a transport failure.
func (s *Session) sendLocked(msg protocol.Message) error {
	if s.out == nil {
		return fmt.Errorf("%w: no connection", protocol.ErrTransportFailure)
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return fmt.Errorf("%w: outbound buffer full", protocol.ErrTransportFailure)
	}
}

// writePump owns all writes to conn for one generation.
func (s *Session) writePump(gen uint64, conn transport.Conn, out <-chan protocol.Message, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case msg := <-out:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Session.WriteTimeout)
			err := transport.SendMessage(ctx, conn, msg)
			cancel()
			if err != nil {
				s.mu.Lock()
				if gen == s.gen && s.conn == conn {
					logs.Warnf("agent.Session.writePump type=%s remote=%q err=%v", msg.MessageType(), conn.RemoteAddr(), err)
					s.dropLocked(err)
				}
				s.mu.Unlock()
				return
			}
			observability.RecordMessage(role, "out", msg.MessageType())
		}
	}
}

func (s *Session) flushLocked() {
	if !s.state.Authenticated() || s.out == nil {
		return
	}
	sent, err := s.queue.Drain(func(msg protocol.Message) error {
		if err := s.sendLocked(msg); err != nil {
			return err
		}
		s.dispatch.Post(func() { s.observer.OnEvent(msg) })
		return nil
	})
	if sent > 0 {
		logs.Debugf("agent.Session.flush sent=%d", sent)
	}
	if err != nil {
		logs.Warnf("agent.Session.flush sent=%d err=%v", sent, err)
		s.dropLocked(err)
	}
}

func (s *Session) startKeepaliveLocked(gen uint64) {
	s.stopKeepaliveLocked()
	stop := make(chan struct{})
	s.stopKeepalive = stop
	interval := s.cfg.Session.KeepaliveInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if !s.keepaliveTick(gen) {
					return
				}
			}
		}
	}()
}

func (s *Session) keepaliveTick(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.state.Authenticated() {
		return false
	}
	if gap := s.now().Sub(s.lastLivenessAt); gap > s.cfg.Session.KeepaliveTimeout {
		logs.Warnf("agent.Session.keepalive timeout gap=%s", gap)
		s.dropLocked(fmt.Errorf("%w: keepalive timeout after %s", protocol.ErrTransportFailure, gap))
		return false
	}
	if err := s.sendLocked(protocol.Ping{TS: s.now().UnixMilli()}); err != nil {
		s.dropLocked(err)
		return false
	}
	return true
}

func (s *Session) stopKeepaliveLocked() {
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
}

// dropLocked handles any unplanned disconnect: teardown, then reconnect.
func (s *Session) dropLocked(cause error) {
	s.teardownLocked(protocol.ReasonFor(cause))
	s.scheduleReconnectLocked()
}

func (s *Session) teardownLocked(reason string) {
	s.stopKeepaliveLocked()
	s.gen++
	if s.stopWrites != nil {
		close(s.stopWrites)
		s.stopWrites = nil
		s.out = nil
	}
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		go conn.Close()
	}
	if s.state == session.StateDisconnected {
		return
	}
	wasAuthenticated := s.state.Authenticated()
	s.setStateLocked(session.StateDisconnected)
	if wasAuthenticated {
		s.dispatch.Post(func() { s.observer.OnAuthStateChanged(false) })
	}
	logs.Infof("agent.Session.teardown reason=%q", reason)
}

func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.creds == nil || s.ctx.Err() != nil {
		return
	}
	if s.reconnectTimer != nil {
		return
	}
	delay := session.ReconnectDelay(s.cfg.Session.Backoff, s.attempt, nil)
	s.attempt++
	s.timerSeq++
	seq := s.timerSeq
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.timerSeq {
			return
		}
		s.reconnectTimer = nil
		s.connectLocked()
	})
	observability.RecordReconnectScheduled(role)
	logs.Debugf("agent.Session.reconnect attempt=%d delay=%s", s.attempt, delay)
}

func (s *Session) cancelReconnectLocked() {
	s.timerSeq++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) setStateLocked(state session.State) {
	if s.state == state {
		return
	}
	s.state = state
	observability.RecordStateTransition(role, string(state))
	s.dispatch.Post(func() { s.observer.OnConnectionStateChanged(state) })
}
