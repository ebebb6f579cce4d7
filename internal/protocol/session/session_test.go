package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func TestReconnectDelayPlateausAtCap(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		if got := ReconnectDelay(cfg, attempt, nil); got != w {
			t.Fatalf("attempt %d got=%v want=%v", attempt, got, w)
		}
	}
	if got := ReconnectDelay(cfg, 1000, nil); got != 30*time.Second {
		t.Fatalf("large attempt got=%v", got)
	}
}

func TestReconnectDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	cfg.Jitter = true
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := ReconnectDelay(cfg, 2, rng)
		if got < 2*time.Second || got > 6*time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{KeepaliveInterval: 5 * time.Second, SecurityMode: " Production "}.WithDefaults()
	if cfg.KeepaliveInterval != 5*time.Second {
		t.Fatalf("override lost: %v", cfg.KeepaliveInterval)
	}
	if cfg.KeepaliveTimeout != 60*time.Second || cfg.SmsQueueCap != 100 || cfg.CallQueueCap != 30 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("mode not normalized: %q", cfg.SecurityMode)
	}
}

func TestValidateTransportSecurity(t *testing.T) {
	testlog.Start(t)
	dev := DefaultConfig()
	if err := dev.ValidateClientTransport("ws://127.0.0.1:8765/ws"); err != nil {
		t.Fatalf("dev ws rejected: %v", err)
	}
	prod := DefaultConfig()
	prod.SecurityMode = SecurityModeProduction
	if err := prod.ValidateClientTransport("ws://host/ws"); !errors.Is(err, ErrInsecureURL) {
		t.Fatalf("expected insecure url, got %v", err)
	}
	if err := prod.ValidateClientTransport("wss://host/ws"); err != nil {
		t.Fatalf("prod wss rejected: %v", err)
	}
	if err := prod.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected tls required, got %v", err)
	}
	prod.TLS = TLSConfig{Enabled: true, CertFile: "cert.pem"}
	if err := prod.ValidateServerTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected key file required, got %v", err)
	}
	bad := Config{SecurityMode: "paranoid"}
	if err := bad.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
}

func smsEvent(id string) OutboundEvent {
	return SmsEvent(protocol.SmsNotification{ID: id, Body: "body " + id, SourceApp: "com.example.msg"})
}

func TestOutboundQueueDrainOrder(t *testing.T) {
	testlog.Start(t)
	q := NewOutboundQueue(100, 30)
	q.Push(CallEvent(protocol.CallIncoming{ID: "c1"}))
	q.Push(smsEvent("s1"))
	q.Push(CallEvent(protocol.CallIncoming{ID: "c2"}))
	q.Push(smsEvent("s2"))

	var got []string
	sent, err := q.Drain(func(m protocol.Message) error {
		switch v := m.(type) {
		case protocol.SmsNotification:
			got = append(got, v.ID)
		case protocol.CallIncoming:
			got = append(got, v.ID)
		}
		return nil
	})
	if err != nil || sent != 4 {
		t.Fatalf("drain sent=%d err=%v", sent, err)
	}
	want := []string{"s1", "s2", "c1", "c2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order got=%v want=%v", got, want)
	}
	if s, c := q.Len(); s != 0 || c != 0 {
		t.Fatalf("queue not empty: sms=%d calls=%d", s, c)
	}
}

func TestOutboundQueueRetainsNewest(t *testing.T) {
	testlog.Start(t)
	q := NewOutboundQueue(100, 30)
	dropped := 0
	for i := 0; i < 130; i++ {
		if q.Push(smsEvent(fmt.Sprintf("s%d", i))) {
			dropped++
		}
	}
	for i := 0; i < 35; i++ {
		q.Push(CallEvent(protocol.CallIncoming{ID: fmt.Sprintf("c%d", i)}))
	}
	if dropped != 30 {
		t.Fatalf("expected 30 drops, got %d", dropped)
	}
	if s, c := q.Len(); s != 100 || c != 30 {
		t.Fatalf("caps exceeded: sms=%d calls=%d", s, c)
	}

	var ids []string
	_, _ = q.Drain(func(m protocol.Message) error {
		switch v := m.(type) {
		case protocol.SmsNotification:
			ids = append(ids, v.ID)
		case protocol.CallIncoming:
			ids = append(ids, v.ID)
		}
		return nil
	})
	if ids[0] != "s30" || ids[99] != "s129" || ids[100] != "c5" || ids[129] != "c34" {
		t.Fatalf("unexpected retained window: first=%s lastSms=%s firstCall=%s last=%s", ids[0], ids[99], ids[100], ids[129])
	}
}

func TestOutboundQueuePartialDrainKeepsRemainder(t *testing.T) {
	testlog.Start(t)
	q := NewOutboundQueue(10, 10)
	for i := 0; i < 4; i++ {
		q.Push(smsEvent(fmt.Sprintf("s%d", i)))
	}
	calls := 0
	sent, err := q.Drain(func(protocol.Message) error {
		calls++
		if calls == 2 {
			return protocol.ErrTransportFailure
		}
		return nil
	})
	if !errors.Is(err, protocol.ErrTransportFailure) || sent != 1 {
		t.Fatalf("unexpected drain result sent=%d err=%v", sent, err)
	}
	if s, _ := q.Len(); s != 2 {
		t.Fatalf("expected 2 remaining after failed item is dropped, got %d", s)
	}
}

func TestEvaluateAuth(t *testing.T) {
	testlog.Start(t)
	cred := auth.CredentialFromToken("shared-secret")
	v := auth.CredentialValidator{Credential: cred}

	reply, peer, err := EvaluateAuth(protocol.Auth{Token: cred.Code, Device: "Pixel"}, v)
	if err != nil {
		t.Fatalf("code auth failed: %v", err)
	}
	if _, ok := reply.(protocol.AuthOK); !ok {
		t.Fatalf("expected auth.ok, got %T", reply)
	}
	if peer.Device != "Pixel" || peer.AppVersion != "unknown" {
		t.Fatalf("unexpected peer: %+v", peer)
	}

	reply, _, err = EvaluateAuth(protocol.Auth{Token: "nope"}, v)
	if !errors.Is(err, protocol.ErrAuthRejected) {
		t.Fatalf("expected auth rejected, got %v", err)
	}
	fail, ok := reply.(protocol.AuthFail)
	if !ok || fail.Reason != ReasonInvalidToken {
		t.Fatalf("unexpected failure reply: %#v", reply)
	}
}

func TestDispatcherPreservesOrder(t *testing.T) {
	testlog.Start(t)
	d := NewDispatcher()
	defer d.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("expected 100 callbacks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}
