// Package hub implements the companion side of the relay: it authenticates
// at most one live agent, records the events it forwards, and issues reply
// and hang-up commands back to it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/history"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/transport"
)

const role = "hub"

var (
	ErrNoDevice         = errors.New("hub: no connected device")
	ErrNoCredential     = errors.New("hub: credential required")
	ErrClosed           = errors.New("hub: closed")
	ErrUnknownReplyMode = errors.New("hub: unknown reply mode")
)

const (
	StateStarting   = "starting"
	StateListening  = "listening"
	StateBridging   = "bridging"
	StateRelayRetry = "relay reconnecting"
	StateStopped    = "stopped"
)

const (
	ReplyModeQuick = "quick"
	ReplyModeSms   = "sms"
)

// Status is the presentation view of the hub.
type Status struct {
	State              string `json:"state"`
	Mode               Mode   `json:"mode"`
	Device             string `json:"device,omitempty"`
	AppVersion         string `json:"appVersion,omitempty"`
	AuthenticatedCount int    `json:"authenticatedCount"`
	Connections        int    `json:"connections"`
	ReplyStatus        string `json:"replyStatus,omitempty"`
	PairingCode        string `json:"pairingCode"`
	PendingCommands    int    `json:"pendingCommands"`
}

// peer is one accepted connection. wmu orders every write to conn so a
// command can never reach the wire ahead of the auth.ok that admits it.
type peer struct {
	conn          transport.Conn
	info          session.PeerInfo
	authenticated bool
	wmu           sync.Mutex
}

type pendingSend struct {
	msg    protocol.ReplySms
	sentAt time.Time
}

type Hub struct {
	cfg      Config
	observer Observer
	history  history.Store
	store    CredentialStore
	dispatch *session.Dispatcher
	now      func() time.Time
	newID    func() string

	mu          sync.Mutex
	cred        auth.Credential
	peers       map[*peer]struct{}
	active      *peer
	seen        map[string]time.Time
	pending     map[string]pendingSend
	replyStatus string
	serverState string
	rotateHooks []func(auth.Credential)
	closed      bool
}

type Option func(*Hub)

func WithHistory(store history.Store) Option {
	return func(h *Hub) {
		if store != nil {
			h.history = store
		}
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(h *Hub) {
		h.store = store
	}
}

func New(cfg Config, cred auth.Credential, observer Observer, opts ...Option) (*Hub, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cred.IsZero() {
		return nil, ErrNoCredential
	}
	if cred.Code == "" {
		cred = auth.CredentialFromToken(cred.Token)
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	observability.RegisterMetrics()
	h := &Hub{
		cfg:         cfg,
		observer:    observer,
		history:     history.NewMemory(history.DefaultMemoryLimit),
		dispatch:    session.NewDispatcher(),
		now:         cfg.Now,
		newID:       uuid.NewString,
		cred:        cred,
		peers:       make(map[*peer]struct{}),
		seen:        make(map[string]time.Time),
		pending:     make(map[string]pendingSend),
		serverState: StateStarting,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Hub) Mode() Mode {
	return h.cfg.Mode
}

func (h *Hub) Credential() auth.Credential {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cred
}

func (h *Hub) PairingCode() string {
	return h.Credential().Code
}

// OnRotate registers fn to run after every token rotation.
func (h *Hub) OnRotate(fn func(auth.Credential)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotateHooks = append(h.rotateHooks, fn)
}

// ServeConn runs the hub protocol on one accepted listener connection until
// it closes. A rejected token closes the connection.
func (h *Hub) ServeConn(ctx context.Context, conn transport.Conn) error {
	_, err := h.serve(ctx, conn, h.cfg.Mode == ModeListen)
	return err
}

// serve reports whether the connection ever authenticated.
func (h *Hub) serve(ctx context.Context, conn transport.Conn, closeOnReject bool) (bool, error) {
	p, err := h.register(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	defer h.unregister(p)
	logs.Debugf("hub.Hub.serve remote=%q", conn.RemoteAddr())

	everAuthenticated := false
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return everAuthenticated, err
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logs.Debugf("hub.Hub.serve ignored err=%v", err)
			} else {
				logs.Warnf("hub.Hub.serve decode remote=%q err=%v", conn.RemoteAddr(), err)
			}
			continue
		}
		observability.RecordMessage(role, "in", msg.MessageType())
		if err := h.handle(ctx, p, msg, closeOnReject); err != nil {
			return everAuthenticated, err
		}
		if !everAuthenticated && h.isAuthenticated(p) {
			everAuthenticated = true
		}
	}
}

func (h *Hub) register(conn transport.Conn) (*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	p := &peer{conn: conn}
	h.peers[p] = struct{}{}
	return p, nil
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	wasActive := h.active == p
	if wasActive {
		h.active = nil
	}
	h.mu.Unlock()
	_ = p.conn.Close()
	if wasActive {
		h.peerLost(p.info)
	}
}

func (h *Hub) peerLost(info session.PeerInfo) {
	observability.SetAuthenticatedPeers(0)
	logs.Infof("hub.Hub.peer lost device=%q", info.Device)
	h.dispatch.Post(func() { h.observer.OnAuthStateChanged(session.PeerInfo{}, 0) })
}

func (h *Hub) isAuthenticated(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return p.authenticated
}

// handle processes one inbound frame; a non-nil error ends the connection.
func (h *Hub) handle(ctx context.Context, p *peer, msg protocol.Message, closeOnReject bool) error {
	if m, ok := msg.(protocol.Auth); ok {
		return h.authenticate(ctx, p, m, closeOnReject)
	}
	if !h.isAuthenticated(p) {
		logs.Debugf("hub.Hub.handle unauthenticated type=%s", msg.MessageType())
		return h.send(ctx, p, protocol.AuthFail{Reason: session.ReasonMissingAuth})
	}
	switch m := msg.(type) {
	case protocol.Ping:
		return h.send(ctx, p, protocol.Pong{})
	case protocol.SmsNotification:
		h.receiveSms(ctx, m)
	case protocol.CallIncoming:
		h.receiveCall(ctx, m)
	case protocol.SmsReplyResult:
		h.receiveResult(m, m.Success, m.Reason)
	case protocol.ReplySmsResult:
		h.mu.Lock()
		delete(h.pending, m.ClientMsgID)
		h.mu.Unlock()
		h.receiveResult(m, m.Success, m.Reason)
	default:
		logs.Debugf("hub.Hub.handle ignored type=%s", msg.MessageType())
	}
	return nil
}

func (h *Hub) authenticate(ctx context.Context, p *peer, m protocol.Auth, closeOnReject bool) error {
	h.mu.Lock()
	validator := auth.CredentialValidator{Credential: h.cred}
	h.mu.Unlock()

	reply, info, err := session.EvaluateAuth(m, validator)
	if err != nil {
		logs.Warnf("hub.Hub.authenticate remote=%q err=%v", p.conn.RemoteAddr(), err)
		if sendErr := h.send(ctx, p, reply); sendErr != nil {
			return sendErr
		}
		if closeOnReject {
			return err
		}
		return nil
	}

	// Held until auth.ok and any resends are written; command senders that
	// see p as active queue behind it.
	p.wmu.Lock()
	defer p.wmu.Unlock()

	h.mu.Lock()
	prev := h.active
	if prev != nil && prev != p {
		prev.authenticated = false
		go prev.conn.Close()
	}
	p.authenticated = true
	p.info = info
	h.active = p
	resend := h.pendingLocked(h.now())
	h.mu.Unlock()

	if err := h.write(ctx, p.conn, reply); err != nil {
		return err
	}
	observability.SetAuthenticatedPeers(1)
	logs.Infof("hub.Hub.authenticate ok device=%q app_version=%q", info.Device, info.AppVersion)
	h.dispatch.Post(func() { h.observer.OnAuthStateChanged(info, 1) })

	for _, cmd := range resend {
		logs.Debugf("hub.Hub.authenticate resend client_msg_id=%q", cmd.ClientMsgID)
		if err := h.write(ctx, p.conn, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) receiveSms(ctx context.Context, m protocol.SmsNotification) {
	now := h.now()
	if m.ID != "" {
		h.mu.Lock()
		h.pruneSeenLocked(now)
		_, dup := h.seen[m.ID]
		if !dup {
			h.seen[m.ID] = now
		}
		h.mu.Unlock()
		if dup {
			observability.RecordDedupSuppressed(role, string(session.EventClassSms))
			logs.Debugf("hub.Hub.receiveSms duplicate id=%q", m.ID)
			return
		}
	}
	h.record(ctx, smsEntry(normalizeSms(m, now), now))
}

func (h *Hub) receiveCall(ctx context.Context, m protocol.CallIncoming) {
	now := h.now()
	h.record(ctx, callEntry(normalizeCall(m, now), now))
}

func (h *Hub) record(ctx context.Context, e history.Entry) {
	if err := h.history.Append(ctx, e); err != nil {
		logs.Errf("hub.Hub.record id=%q err=%v", e.ID, err)
	}
	h.dispatch.Post(func() { h.observer.OnMessage(e) })
}

func (h *Hub) receiveResult(msg protocol.Message, success bool, reason string) {
	status := "sent"
	if !success {
		status = "failed"
		if reason = strings.TrimSpace(reason); reason != "" {
			status = "failed: " + reason
		}
	}
	h.mu.Lock()
	h.replyStatus = status
	h.mu.Unlock()
	observability.RecordCommandResult(msg.MessageType(), success)
	h.dispatch.Post(func() { h.observer.OnCommandResult(msg) })
}

func (h *Hub) pruneSeenLocked(now time.Time) {
	for id, at := range h.seen {
		if now.Sub(at) > h.cfg.DedupWindow {
			delete(h.seen, id)
		}
	}
}

// pendingLocked returns unresolved direct sends oldest first, dropping those
// past the pending TTL.
func (h *Hub) pendingLocked(now time.Time) []protocol.ReplySms {
	out := make([]pendingSend, 0, len(h.pending))
	for id, p := range h.pending {
		if now.Sub(p.sentAt) > h.cfg.PendingTTL {
			delete(h.pending, id)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sentAt.Before(out[j].sentAt) })
	msgs := make([]protocol.ReplySms, len(out))
	for i, p := range out {
		msgs[i] = p.msg
	}
	return msgs
}

func (h *Hub) send(ctx context.Context, p *peer, msg protocol.Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return h.write(ctx, p.conn, msg)
}

// write sends one frame; callers hold the peer's wmu.
func (h *Hub) write(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Session.WriteTimeout)
	defer cancel()
	if err := transport.SendMessage(ctx, conn, msg); err != nil {
		logs.Warnf("hub.Hub.send type=%s remote=%q err=%v", msg.MessageType(), conn.RemoteAddr(), err)
		return err
	}
	observability.RecordMessage(role, "out", msg.MessageType())
	return nil
}

func (h *Hub) activePeer() (*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil, ErrNoDevice
	}
	return h.active, nil
}

func (h *Hub) setReplyStatus(status string) {
	h.mu.Lock()
	h.replyStatus = status
	h.mu.Unlock()
}

// SendQuickReply asks the agent to answer through an existing notification.
func (h *Hub) SendQuickReply(ctx context.Context, r protocol.SmsReply) error {
	if err := r.Validate(); err != nil {
		return err
	}
	p, err := h.activePeer()
	if err != nil {
		return err
	}
	h.setReplyStatus("pending")
	return h.send(ctx, p, r)
}

// SendDirectSms asks the agent to originate an SMS and returns its
// client_msg_id. An unacknowledged command is re-sent on the next
// authentication until its result arrives or it ages out.
func (h *Hub) SendDirectSms(ctx context.Context, to, body, sourceApp, conversationID string) (string, error) {
	now := h.now()
	msg := protocol.ReplySms{
		To:             strings.TrimSpace(to),
		Body:           body,
		SourceApp:      sourceApp,
		ConversationID: conversationID,
		ClientMsgID:    h.newID(),
		Timestamp:      now.UnixMilli(),
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if msg.To == "" {
		return "", fmt.Errorf("%w: destination required", protocol.ErrInvalidCommand)
	}
	p, err := h.activePeer()
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.pending[msg.ClientMsgID] = pendingSend{msg: msg, sentAt: now}
	h.replyStatus = "pending"
	h.mu.Unlock()
	return msg.ClientMsgID, h.send(ctx, p, msg)
}

func (h *Hub) SendHangup(ctx context.Context) error {
	p, err := h.activePeer()
	if err != nil {
		return err
	}
	return h.send(ctx, p, protocol.CallHangup{})
}

// ReplyTo answers a stored message. An empty mode uses the quick-reply path
// when the message carries a reply key and a direct SMS otherwise.
// The returned id is the client_msg_id for direct sends and "" for quick replies.
func (h *Hub) ReplyTo(ctx context.Context, id, body, mode string) (string, error) {
	e, err := h.history.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Kind != history.KindSms {
		return "", fmt.Errorf("%w: message %q is not an sms", protocol.ErrInvalidCommand, id)
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ReplyModeSms
		if e.ReplyKey != "" {
			mode = ReplyModeQuick
		}
	}
	switch mode {
	case ReplyModeQuick:
		return "", h.SendQuickReply(ctx, protocol.SmsReply{
			ReplyKey:        e.ReplyKey,
			SourceApp:       e.SourceApp,
			ConversationKey: e.ConversationKey,
			Body:            body,
		})
	case ReplyModeSms:
		to := e.FromPhone
		if to == "" {
			to = e.From
		}
		return h.SendDirectSms(ctx, to, body, e.SourceApp, e.ConversationKey)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownReplyMode, mode)
	}
}

func (h *Hub) Messages(ctx context.Context) ([]history.Entry, error) {
	return h.history.List(ctx)
}

func (h *Hub) DeleteMessage(ctx context.Context, id string) error {
	return h.history.Delete(ctx, id)
}

func (h *Hub) ClearMessages(ctx context.Context) error {
	return h.history.Clear(ctx)
}

// RotateToken replaces the credential and drops every connection that
// authenticated with the old one.
func (h *Hub) RotateToken() (auth.Credential, error) {
	cred, err := auth.NewCredential()
	if err != nil {
		return auth.Credential{}, err
	}
	if h.store != nil {
		if err := h.store.SaveCredential(cred); err != nil {
			return auth.Credential{}, fmt.Errorf("hub: save credential: %w", err)
		}
	}
	h.mu.Lock()
	h.cred = cred
	conns := make([]transport.Conn, 0, len(h.peers))
	for p := range h.peers {
		p.authenticated = false
		conns = append(conns, p.conn)
	}
	prev := h.active
	h.active = nil
	hooks := append([]func(auth.Credential){}, h.rotateHooks...)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if prev != nil {
		h.peerLost(prev.info)
	}
	logs.Infof("hub.Hub.RotateToken code=%s dropped=%d", cred.Code, len(conns))
	for _, fn := range hooks {
		fn(cred)
	}
	return cred, nil
}

func (h *Hub) AuthenticatedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return 1
	}
	return 0
}

func (h *Hub) SetServerState(state string) {
	h.mu.Lock()
	if h.serverState == state {
		h.mu.Unlock()
		return
	}
	h.serverState = state
	h.mu.Unlock()
	observability.RecordStateTransition(role, state)
	h.dispatch.Post(func() { h.observer.OnServerStateChanged(state) })
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		State:       h.serverState,
		Mode:        h.cfg.Mode,
		Connections: len(h.peers),
		ReplyStatus: h.replyStatus,
		PairingCode: h.cred.Code,
	}
	if h.active != nil {
		st.Device = h.active.info.Device
		st.AppVersion = h.active.info.AppVersion
		st.AuthenticatedCount = 1
	}
	st.PendingCommands = len(h.pending)
	return st
}

// Close drops every connection and stops callbacks.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]transport.Conn, 0, len(h.peers))
	for p := range h.peers {
		conns = append(conns, p.conn)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	h.SetServerState(StateStopped)
	h.dispatch.Close()
}
