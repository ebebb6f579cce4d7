package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
	"github.com/danmuck/smsrelay/internal/transport"
)

func newTestServer(t *testing.T) (*Hub, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newTestHub(t, ModeListen)
	return h, NewServer(h, ServerConfig{DeviceName: "desk"})
}

func doRequest(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestHealthAndStatusRoutes(t *testing.T) {
	testlog.Start(t)
	h, s := newTestServer(t)

	code, body := doRequest(t, s, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", code, body)
	}
	code, _ = doRequest(t, s, http.MethodGet, "/ready", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before listening, got %d", code)
	}
	h.SetServerState(StateListening)
	code, _ = doRequest(t, s, http.MethodGet, "/ready", "")
	if code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	code, body = doRequest(t, s, http.MethodGet, "/status", "")
	if code != http.StatusOK || body["pairingCode"] != h.PairingCode() || body["authenticatedCount"] != float64(0) {
		t.Fatalf("status: %d %v", code, body)
	}
}

func TestPairingRoutes(t *testing.T) {
	testlog.Start(t)
	h, s := newTestServer(t)

	code, body := doRequest(t, s, http.MethodGet, "/pairing", "")
	if code != http.StatusOK || body["code"] != h.PairingCode() {
		t.Fatalf("pairing: %d %v", code, body)
	}
	qr, _ := body["qr"].(string)
	payload, err := auth.ParsePairingPayload([]byte(qr))
	if err != nil {
		t.Fatalf("parse qr payload: %v", err)
	}
	if payload.URL != "ws://example.com/ws" || payload.DeviceName != "desk" || payload.PairingToken != "shared-token" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	code, body = doRequest(t, s, http.MethodPost, "/pairing/rotate", "")
	if code != http.StatusOK || body["code"] != h.PairingCode() || h.Credential().Token == "shared-token" {
		t.Fatalf("rotate: %d %v", code, body)
	}
}

func TestMessageRoutes(t *testing.T) {
	testlog.Start(t)
	h, s := newTestServer(t)
	c := authedPeer(t, h)
	send(t, c, protocol.SmsNotification{ID: "s1", From: "Alice", FromPhone: "+15550102030", Body: "hello", SourceApp: "app"})
	send(t, c, protocol.Ping{})
	receive(t, c)

	code, body := doRequest(t, s, http.MethodGet, "/messages", "")
	msgs, _ := body["messages"].([]any)
	if code != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("messages: %d %v", code, body)
	}

	code, body = doRequest(t, s, http.MethodPost, "/messages/s1/reply", `{"body":"hey","mode":"sms"}`)
	if code != http.StatusAccepted || body["client_msg_id"] == "" {
		t.Fatalf("reply: %d %v", code, body)
	}
	cmd, ok := receive(t, c).(protocol.ReplySms)
	if !ok || cmd.To != "+15550102030" || cmd.Body != "hey" || cmd.ClientMsgID != body["client_msg_id"] {
		t.Fatalf("unexpected command: %#v", cmd)
	}

	code, _ = doRequest(t, s, http.MethodPost, "/messages/s1/reply", `{"body":"hey","mode":"fax"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown mode, got %d", code)
	}
	code, _ = doRequest(t, s, http.MethodPost, "/messages/missing/reply", `{"body":"hey"}`)
	if code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", code)
	}

	code, _ = doRequest(t, s, http.MethodPost, "/calls/hangup", "")
	if code != http.StatusAccepted {
		t.Fatalf("hangup: %d", code)
	}
	if _, ok := receive(t, c).(protocol.CallHangup); !ok {
		t.Fatalf("expected call.hangup")
	}

	code, _ = doRequest(t, s, http.MethodDelete, "/messages/s1", "")
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	code, _ = doRequest(t, s, http.MethodDelete, "/messages/s1", "")
	if code != http.StatusNotFound {
		t.Fatalf("second delete: %d", code)
	}
	code, _ = doRequest(t, s, http.MethodDelete, "/messages", "")
	if code != http.StatusOK {
		t.Fatalf("clear: %d", code)
	}
}

func TestReplyWithoutDeviceIsConflict(t *testing.T) {
	testlog.Start(t)
	h, s := newTestServer(t)
	c := authedPeer(t, h)
	send(t, c, protocol.SmsNotification{ID: "s1", From: "Alice", Body: "hello", ReplyKey: "k1", SourceApp: "app"})
	send(t, c, protocol.Ping{})
	receive(t, c)
	_ = c.Close()
	waitFor(t, "peer lost", func() bool { return h.AuthenticatedCount() == 0 })

	code, body := doRequest(t, s, http.MethodPost, "/messages/s1/reply", `{"body":"hey"}`)
	if code != http.StatusConflict || body["error"] != "no connected device" {
		t.Fatalf("expected conflict, got %d %v", code, body)
	}
}

func TestWebsocketRouteServesAgents(t *testing.T) {
	testlog.Start(t)
	h, s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := transport.WebsocketDialer{HandshakeTimeout: time.Second}.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	send(t, conn, protocol.Auth{Token: "shared-token", Device: "pixel"})
	if _, ok := receive(t, conn).(protocol.AuthOK); !ok {
		t.Fatalf("expected auth.ok over websocket")
	}
	waitFor(t, "peer", func() bool { return h.AuthenticatedCount() == 1 })
}
