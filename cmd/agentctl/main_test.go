package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/config"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func runAgentctl(args ...string) (string, error) {
	configPath = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func pairingConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	pairingPath := filepath.Join(dir, "pairing.toml")
	cfgPath := filepath.Join(dir, "agent.toml")
	body := "pairing_path = \"" + pairingPath + "\"\n" + extra
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, pairingPath
}

func TestPairFromPayloadFileAndUnpair(t *testing.T) {
	testlog.Start(t)
	cfgPath, pairingPath := pairingConfig(t, "")
	payload := auth.NewPairingPayload("ws://192.168.1.5:8765/ws", auth.CredentialFromToken("tok"), "desk")
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payloadPath := filepath.Join(t.TempDir(), "qr.json")
	if err := os.WriteFile(payloadPath, raw, 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	out, err := runAgentctl("--config", cfgPath, "pair", "@"+payloadPath)
	if err != nil || !strings.Contains(out, "paired with ws://192.168.1.5:8765/ws") {
		t.Fatalf("pair: out=%s err=%v", out, err)
	}
	stored, err := config.PairingFile{Path: pairingPath}.Load()
	if err != nil || stored == nil || stored.PairingToken != "tok" || stored.DeviceName != "desk" {
		t.Fatalf("stored pairing mismatch: %+v err=%v", stored, err)
	}

	if _, err := runAgentctl("--config", cfgPath, "unpair"); err != nil {
		t.Fatalf("unpair: %v", err)
	}
	stored, err = config.PairingFile{Path: pairingPath}.Load()
	if err != nil || stored != nil {
		t.Fatalf("pairing should be cleared: %+v err=%v", stored, err)
	}
}

func TestPairManualCode(t *testing.T) {
	testlog.Start(t)
	cfgPath, pairingPath := pairingConfig(t, "")
	code := auth.PairingCode("tok")
	if _, err := runAgentctl("--config", cfgPath, "pair", "--url", "ws://hub.lan:8765/ws", "--code", code); err != nil {
		t.Fatalf("pair: %v", err)
	}
	stored, err := config.PairingFile{Path: pairingPath}.Load()
	if err != nil || stored == nil || stored.PairingToken != code {
		t.Fatalf("stored pairing mismatch: %+v err=%v", stored, err)
	}
}

func TestPairRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cfgPath, _ := pairingConfig(t, "security_mode = \"production\"\n")
	if _, err := runAgentctl("--config", cfgPath, "pair", "--url", "ws://hub.lan/ws"); err == nil {
		t.Fatalf("expected error for missing code")
	}
	if _, err := runAgentctl("--config", cfgPath, "pair", `{"url":"http://hub.lan","pairingToken":"x"}`); !errors.Is(err, auth.ErrInvalidPairing) {
		t.Fatalf("expected ErrInvalidPairing, got %v", err)
	}
	if _, err := runAgentctl("--config", cfgPath, "pair", "--url", "ws://hub.lan/ws", "--code", "123456"); !errors.Is(err, session.ErrInsecureURL) {
		t.Fatalf("expected production mode to reject ws, got %v", err)
	}
}
