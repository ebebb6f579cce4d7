// Package dedup suppresses re-delivery of the same logical notification
// inside a short time window.
package dedup

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
)

const (
	DefaultWindow   = 12 * time.Second
	DefaultCapacity = 400
)

type entry struct {
	fingerprint string
	firstSeenAt time.Time
}

// Cache holds fingerprints in insertion order. A duplicate hit never
// refreshes the original entry, so the window runs from first sight.
type Cache struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	now      func() time.Time
	order    *list.List
	index    map[string]*list.Element
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		window:   DefaultWindow,
		capacity: DefaultCapacity,
		now:      time.Now,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDuplicate reports whether ev was seen within the window, recording it if not.
func (c *Cache) IsDuplicate(ev session.OutboundEvent) bool {
	return c.Seen(Fingerprint(ev))
}

// Seen is IsDuplicate for a precomputed fingerprint.
func (c *Cache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)
	if _, ok := c.index[fingerprint]; ok {
		return true
	}
	el := c.order.PushBack(entry{fingerprint: fingerprint, firstSeenAt: now})
	c.index[fingerprint] = el
	if c.order.Len() > c.capacity {
		c.removeElement(c.order.Front())
	}
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.index)
}

func (c *Cache) evictExpired(now time.Time) {
	for el := c.order.Front(); el != nil; {
		e := el.Value.(entry)
		if now.Sub(e.firstSeenAt) <= c.window {
			return
		}
		next := el.Next()
		c.removeElement(el)
		el = next
	}
}

func (c *Cache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	e := c.order.Remove(el).(entry)
	delete(c.index, e.fingerprint)
}

// Fingerprint derives the stable identity of an event.
func Fingerprint(ev session.OutboundEvent) string {
	switch {
	case ev.Sms != nil:
		return SmsFingerprint(*ev.Sms)
	case ev.Call != nil:
		return CallFingerprint(*ev.Call)
	}
	return ""
}

func SmsFingerprint(n protocol.SmsNotification) string {
	reply := "no-reply"
	if strings.TrimSpace(n.ReplyKey) != "" {
		reply = "has-reply"
	}
	return strings.Join([]string{n.SourceApp, n.ConversationKey, n.Body, reply}, "|")
}

func CallFingerprint(c protocol.CallIncoming) string {
	return "call|" + c.From
}
