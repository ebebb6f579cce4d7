package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/agent"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
	"github.com/danmuck/smsrelay/internal/transport"
)

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	sess := agent.NewSession(defaultConfig().Agent, &transport.PipeDialer{}, nil, agent.Platform{}, nil)
	defer sess.Close()
	a := newAdmin(sess)

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	if rec := do(http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	rec := do(http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Paired || status.State != "disconnected" || status.LastAuthenticatedAt != "" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if rec := do(http.MethodPost, "/reconnect"); rec.Code != http.StatusConflict {
		t.Fatalf("reconnect without pairing status=%d", rec.Code)
	}
	if rec := do(http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
}

func TestStatusFromSnapshotFormatsTimes(t *testing.T) {
	testlog.Start(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := statusFromSnapshot(agent.Snapshot{State: "authenticated", Paired: true, LastAuthenticatedAt: at, QueuedSms: 2})
	if got.LastAuthenticatedAt != "2026-03-01T12:00:00Z" || got.LastLivenessAt != "" || got.QueuedSms != 2 {
		t.Fatalf("unexpected status: %+v", got)
	}
}
