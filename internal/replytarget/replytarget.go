// Package replytarget maps observed notifications to reply surfaces that
// can later receive injected text.
package replytarget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol"
)

const DefaultTTL = 10 * time.Minute

// Observation is one platform notification as seen by the agent.
// Capability is the opaque reply affordance; nil means none.
type Observation struct {
	Key             string
	SourceApp       string
	ConversationKey string
	Group           string
	GroupSummary    bool
	Capability      any
}

func (o Observation) HasReplySurface() bool {
	return o.Capability != nil && strings.TrimSpace(o.Key) != ""
}

// Record is a live reply surface keyed by the notification's own identity.
type Record struct {
	Handle          string
	Capability      any
	SourceApp       string
	ConversationKey string
	Group           string
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Injector delivers reply text through a resolved surface.
type Injector interface {
	InjectReply(ctx context.Context, rec Record, body string) error
}

type InjectorFunc func(ctx context.Context, rec Record, body string) error

func (f InjectorFunc) InjectReply(ctx context.Context, rec Record, body string) error {
	return f(ctx, rec, body)
}

type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:     DefaultTTL,
		now:     time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordObserved upserts the reply surface carried by obs and refreshes its TTL.
// Observations without a surface are ignored.
func (s *Store) RecordObserved(obs Observation) bool {
	if !obs.HasReplySurface() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	s.records[obs.Key] = Record{
		Handle:          obs.Key,
		Capability:      obs.Capability,
		SourceApp:       obs.SourceApp,
		ConversationKey: obs.ConversationKey,
		Group:           obs.Group,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	return true
}

func (s *Store) Remove(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, handle)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.records)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.records)
}

// Resolve picks the surface for a reply command.
// A live handle wins; otherwise the most recent live record of sourceApp whose
// conversation key matches case-insensitively.
func (s *Store) Resolve(handle, sourceApp, conversationKey string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)

	if handle = strings.TrimSpace(handle); handle != "" {
		if rec, ok := s.records[handle]; ok {
			return rec, nil
		}
	}
	if strings.TrimSpace(conversationKey) == "" {
		return Record{}, fmt.Errorf("%w: no conversation for %q", protocol.ErrTargetNotFound, sourceApp)
	}
	candidates := s.matchingLocked(func(r Record) bool {
		return r.SourceApp == sourceApp && strings.EqualFold(r.ConversationKey, conversationKey)
	})
	if len(candidates) == 0 {
		return Record{}, fmt.Errorf("%w: %s/%s", protocol.ErrTargetNotFound, sourceApp, conversationKey)
	}
	return candidates[0], nil
}

// FallbackHandle finds a reusable surface for a notification that has none.
// Same-group records from the same app are preferred, then the app's most
// recent record. obs itself is never returned.
func (s *Store) FallbackHandle(obs Observation) (string, bool) {
	if strings.TrimSpace(obs.SourceApp) == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())

	sameApp := s.matchingLocked(func(r Record) bool {
		return r.SourceApp == obs.SourceApp && r.Handle != obs.Key
	})
	if len(sameApp) == 0 {
		return "", false
	}
	if obs.Group != "" {
		for _, r := range sameApp {
			if r.Group == obs.Group {
				return r.Handle, true
			}
		}
	}
	return sameApp[0].Handle, true
}

// matchingLocked returns matches newest first.
func (s *Store) matchingLocked(keep func(Record) bool) []Record {
	var out []Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) pruneLocked(now time.Time) {
	for k, r := range s.records {
		if !now.Before(r.ExpiresAt) {
			delete(s.records, k)
		}
	}
}
