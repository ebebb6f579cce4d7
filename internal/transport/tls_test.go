package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
	"github.com/danmuck/smsrelay/internal/testutil/tlstest"
)

func TestClientTLSConfigUnconfigured(t *testing.T) {
	testlog.Start(t)
	cfg, err := ClientTLSConfig(session.TLSConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}

func TestClientTLSConfigErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := ClientTLSConfig(session.TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.crt")}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file error, got %v", err)
	}
	garbage := filepath.Join(t.TempDir(), "garbage.crt")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ClientTLSConfig(session.TLSConfig{CAFile: garbage}); err == nil || !strings.Contains(err.Error(), "parse tls ca bundle") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestSecureWebsocketWithPrivateCA(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t)
	certFile, keyFile := ca.IssueServerCert(t)
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		t.Fatalf("load key pair: %v", err)
	}

	up := NewUpgrader(nil, time.Second)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := conn.Receive(context.Background())
		if err != nil {
			return
		}
		_ = conn.Send(context.Background(), frame)
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	srv.StartTLS()
	defer srv.Close()

	wsURL := "wss" + strings.TrimPrefix(srv.URL, "https")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := (WebsocketDialer{HandshakeTimeout: time.Second}).Dial(ctx, wsURL); err == nil {
		t.Fatalf("expected dial without the private ca to fail")
	}

	tlsCfg, err := ClientTLSConfig(session.TLSConfig{Enabled: true, CAFile: ca.CAFile()})
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("expected root pool")
	}
	conn, err := (WebsocketDialer{HandshakeTimeout: time.Second, TLSConfig: tlsCfg}).Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := SendMessage(ctx, conn, protocol.Ping{TS: 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != `{"type":"ping","ts":3}` {
		t.Fatalf("unexpected frame: %s", got)
	}
}
