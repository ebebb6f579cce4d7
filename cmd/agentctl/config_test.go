package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/config"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.PairingPath == "" || cfg.Agent.Device != "console" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Agent.Session.KeepaliveInterval != 20*time.Second || cfg.Agent.Session.KeepaliveTimeout != 60*time.Second {
		t.Fatalf("unexpected keepalive defaults: %+v", cfg.Agent.Session)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
pairing_path = "/tmp/p.toml"
device = "pixel"
keepalive_interval = "5s"
keepalive_timeout = "15s"
backoff_base = "500ms"
backoff_cap = "10s"
security_mode = "production"
tls_ca_file = "/etc/ca.pem"
admin_listen_addr = "127.0.0.1:9100"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Agent.Session
	if cfg.PairingPath != "/tmp/p.toml" || cfg.Agent.Device != "pixel" || cfg.AdminListenAddr != "127.0.0.1:9100" {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if s.KeepaliveInterval != 5*time.Second || s.KeepaliveTimeout != 15*time.Second {
		t.Fatalf("unexpected keepalive: %+v", s)
	}
	if s.Backoff.InitialDelay != 500*time.Millisecond || s.Backoff.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected backoff: %+v", s.Backoff)
	}
	if s.SecurityMode != session.SecurityModeProduction || !s.TLS.Enabled || s.TLS.CAFile != "/etc/ca.pem" {
		t.Fatalf("unexpected security: mode=%s tls=%+v", s.SecurityMode, s.TLS)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":    `keepalive_interval = "soon"`,
		"timeout too low": "keepalive_interval = \"30s\"\nkeepalive_timeout = \"10s\"",
		"bad mode":        `security_mode = "paranoid"`,
		"empty pairing":   `pairing_path = ""`,
		"malformed toml":  `device = `,
	}
	for name, body := range cases {
		if _, err := loadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := loadConfig(writeConfig(t, `security_mode = "paranoid"`)); !errors.Is(err, session.ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestAgentTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := config.WriteTemplate(path, "agent", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := loadConfig(path); err != nil {
		t.Fatalf("template should load: %v", err)
	}
}
