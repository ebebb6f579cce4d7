package replytarget

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

const app = "com.example.msg"

func obs(key, conv, group string) Observation {
	return Observation{Key: key, SourceApp: app, ConversationKey: conv, Group: group, Capability: "action:" + key}
}

func TestResolveByConversationWithoutHandle(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(WithClock(clock.now))

	s.RecordObserved(obs("n1", "Alice", ""))
	rec, err := s.Resolve("", app, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Handle != "n1" || rec.Capability != "action:n1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestResolvePrefersHandleThenMostRecent(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(WithClock(clock.now))

	s.RecordObserved(obs("old", "Alice", ""))
	clock.advance(time.Second)
	s.RecordObserved(obs("new", "ALICE", ""))
	clock.advance(time.Second)
	s.RecordObserved(obs("bob", "Bob", ""))

	rec, err := s.Resolve("", app, "Alice")
	if err != nil || rec.Handle != "new" {
		t.Fatalf("expected most recent match, got %+v err=%v", rec, err)
	}
	rec, err = s.Resolve("bob", app, "Alice")
	if err != nil || rec.Handle != "bob" {
		t.Fatalf("expected explicit handle, got %+v err=%v", rec, err)
	}
	rec, err = s.Resolve("missing", app, "alice")
	if err != nil || rec.Handle != "new" {
		t.Fatalf("expected conversation fallback for unknown handle, got %+v err=%v", rec, err)
	}
}

func TestResolveNotFound(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(WithClock(clock.now))
	s.RecordObserved(obs("n1", "Alice", ""))

	cases := []struct{ app, conv string }{
		{app: "com.other", conv: "Alice"},
		{app: app, conv: "Carol"},
		{app: app, conv: ""},
	}
	for _, tc := range cases {
		if _, err := s.Resolve("", tc.app, tc.conv); !errors.Is(err, protocol.ErrTargetNotFound) {
			t.Fatalf("expected not found for %+v, got %v", tc, err)
		}
	}
}

func TestRecordsExpireAfterTTL(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(WithClock(clock.now))
	s.RecordObserved(obs("n1", "Alice", ""))

	clock.advance(9 * time.Minute)
	s.RecordObserved(obs("n1", "Alice", ""))
	clock.advance(9 * time.Minute)
	if _, err := s.Resolve("n1", app, ""); err != nil {
		t.Fatalf("refresh should extend ttl: %v", err)
	}
	clock.advance(time.Minute)
	if _, err := s.Resolve("n1", app, "Alice"); !errors.Is(err, protocol.ErrTargetNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expired record not pruned")
	}
}

func TestObservationWithoutSurfaceIgnored(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	if s.RecordObserved(Observation{Key: "n1", SourceApp: app, ConversationKey: "Alice"}) {
		t.Fatalf("observation without capability recorded")
	}
	if s.Len() != 0 {
		t.Fatalf("unexpected record")
	}
}

func TestFallbackHandle(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(WithClock(clock.now))

	s.RecordObserved(obs("grouped", "Alice", "thread-1"))
	clock.advance(time.Second)
	s.RecordObserved(obs("recent", "Bob", "thread-2"))

	summary := Observation{Key: "summary", SourceApp: app, Group: "thread-1"}
	if h, ok := s.FallbackHandle(summary); !ok || h != "grouped" {
		t.Fatalf("expected same-group handle, got %q ok=%v", h, ok)
	}
	loose := Observation{Key: "loose", SourceApp: app}
	if h, ok := s.FallbackHandle(loose); !ok || h != "recent" {
		t.Fatalf("expected most recent handle, got %q ok=%v", h, ok)
	}
	self := Observation{Key: "recent", SourceApp: app, Group: "thread-2"}
	if h, ok := s.FallbackHandle(self); !ok || h != "grouped" {
		t.Fatalf("self must be excluded, got %q ok=%v", h, ok)
	}
	if _, ok := s.FallbackHandle(Observation{Key: "x", SourceApp: "com.other"}); ok {
		t.Fatalf("other app must not match")
	}
}
