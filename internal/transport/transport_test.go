package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func TestPipePreservesOrderAndClose(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		if err := a.Send(ctx, []byte(fmt.Sprintf("f%d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if string(got) != fmt.Sprintf("f%d", i) {
			t.Fatalf("out of order: got %s at %d", got, i)
		}
	}

	_ = a.Close()
	if _, err := b.Receive(ctx); !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("expected transport failure after peer close, got %v", err)
	}
	if err := b.Send(ctx, []byte("x")); !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("expected transport failure on send to closed peer, got %v", err)
	}
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	testlog.Start(t)
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWebsocketDialAndUpgrade(t *testing.T) {
	testlog.Start(t)
	up := NewUpgrader(nil, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx := context.Background()
		for {
			frame, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			if err := conn.Send(ctx, append([]byte("echo:"), frame...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (WebsocketDialer{HandshakeTimeout: time.Second}).Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := SendMessage(ctx, conn, protocol.Ping{TS: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != `echo:{"type":"ping","ts":7}` {
		t.Fatalf("unexpected echo: %s", got)
	}
}

func TestUpgraderRejectsForeignOrigin(t *testing.T) {
	testlog.Start(t)
	up := NewUpgrader([]string{"http://allowed.local"}, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conn, err := up.Upgrade(w, r); err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Origin", "http://evil.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestRelayURL(t *testing.T) {
	testlog.Start(t)
	raw, err := RelayURL("wss://relay.example.com/connect?x=1", "123456", "s3cr&t")
	if err != nil {
		t.Fatalf("relay url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("room") != "123456" || q.Get("secret") != "s3cr&t" || q.Get("x") != "1" {
		t.Fatalf("unexpected query: %s", u.RawQuery)
	}
	if _, err := RelayURL("https://relay.example.com", "1", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
}
