package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/smsrelay/internal/dedup"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/replytarget"
)

// Relay turns extracted platform events into queued session events:
// record reply target, fill a fallback reply key, dedup, enqueue.
type Relay struct {
	session *Session
	targets *replytarget.Store
	dedup   *dedup.Cache
	now     func() time.Time
	newID   func() string
}

func NewRelay(s *Session, cache *dedup.Cache) *Relay {
	if cache == nil {
		cache = dedup.New(dedup.WithClock(s.now))
	}
	return &Relay{
		session: s,
		targets: s.Targets(),
		dedup:   cache,
		now:     s.now,
		newID:   uuid.NewString,
	}
}

// ObserveNotification relays one SMS notification. It returns false when the
// event was suppressed.
func (r *Relay) ObserveNotification(obs replytarget.Observation, n protocol.SmsNotification) bool {
	r.targets.RecordObserved(obs)

	if strings.TrimSpace(n.ReplyKey) == "" {
		if obs.HasReplySurface() {
			n.ReplyKey = obs.Key
		} else if handle, ok := r.targets.FallbackHandle(obs); ok {
			n.ReplyKey = handle
		}
	}
	if obs.GroupSummary && n.ReplyKey == "" {
		logs.Debugf("agent.Relay.ObserveNotification skip group summary key=%q", obs.Key)
		return false
	}
	if n.SourceApp == "" {
		n.SourceApp = obs.SourceApp
	}
	if n.ConversationKey == "" {
		n.ConversationKey = obs.ConversationKey
	}
	if n.ID == "" {
		n.ID = r.newID()
	}
	if n.Timestamp == 0 {
		n.Timestamp = r.now().UnixMilli()
	}

	ev := session.SmsEvent(n)
	if r.dedup.IsDuplicate(ev) {
		observability.RecordDedupSuppressed(role, string(ev.Class()))
		logs.Debugf("agent.Relay.ObserveNotification duplicate id=%q", n.ID)
		return false
	}
	r.session.Enqueue(ev)
	return true
}

// ObserveCall relays one incoming-call event.
func (r *Relay) ObserveCall(c protocol.CallIncoming) bool {
	if c.ID == "" {
		c.ID = r.newID()
	}
	if c.Timestamp == 0 {
		c.Timestamp = r.now().UnixMilli()
	}
	ev := session.CallEvent(c)
	if r.dedup.IsDuplicate(ev) {
		observability.RecordDedupSuppressed(role, string(ev.Class()))
		return false
	}
	r.session.Enqueue(ev)
	return true
}

// NotificationRemoved forgets the reply surface of a dismissed notification.
func (r *Relay) NotificationRemoved(key string) {
	r.targets.Remove(key)
}
