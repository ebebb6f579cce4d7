package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/smsrelay/internal/agent"
	"github.com/danmuck/smsrelay/internal/protocol/session"
)

// agentctl config.toml key mapping to agent session settings.
type fileConfig struct {
	PairingPath        string `toml:"pairing_path"`
	Device             string `toml:"device"`
	AppVersion         string `toml:"app_version"`
	KeepaliveInterval  string `toml:"keepalive_interval"`
	KeepaliveTimeout   string `toml:"keepalive_timeout"`
	BackoffBase        string `toml:"backoff_base"`
	BackoffCap         string `toml:"backoff_cap"`
	BackoffMaxExponent int    `toml:"backoff_max_exponent"`
	WriteTimeout       string `toml:"write_timeout"`
	ConnectTimeout     string `toml:"connect_timeout"`
	SecurityMode       string `toml:"security_mode"`
	TLSCAFile          string `toml:"tls_ca_file"`
	TLSInsecureSkip    bool   `toml:"tls_insecure_skip_verify"`
	AdminListenAddr    string `toml:"admin_listen_addr"`
}

type agentctlConfig struct {
	Agent           agent.Config
	PairingPath     string
	AdminListenAddr string
}

func defaultConfig() agentctlConfig {
	return agentctlConfig{
		Agent: agent.Config{
			Session:    session.DefaultConfig(),
			Device:     "console",
			AppVersion: "0.1.0",
		},
		PairingPath: "smsrelay-agent.pairing.toml",
	}
}

// agentctl loader for TOML config with default overlay. An empty path yields defaults.
func loadConfig(path string) (agentctlConfig, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agentctlConfig{}, fmt.Errorf("load agent config: %w", err)
	}

	if meta.IsDefined("pairing_path") {
		cfg.PairingPath = strings.TrimSpace(raw.PairingPath)
	}
	if meta.IsDefined("device") {
		cfg.Agent.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("app_version") {
		cfg.Agent.AppVersion = strings.TrimSpace(raw.AppVersion)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("security_mode") {
		cfg.Agent.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Agent.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
		cfg.Agent.Session.TLS.Enabled = cfg.Agent.Session.TLS.CAFile != ""
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Agent.Session.TLS.InsecureSkipVerify = raw.TLSInsecureSkip
	}
	if meta.IsDefined("backoff_max_exponent") {
		cfg.Agent.Session.Backoff.MaxExponent = raw.BackoffMaxExponent
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.Agent.Session.KeepaliveInterval},
		{"keepalive_timeout", raw.KeepaliveTimeout, &cfg.Agent.Session.KeepaliveTimeout},
		{"backoff_base", raw.BackoffBase, &cfg.Agent.Session.Backoff.InitialDelay},
		{"backoff_cap", raw.BackoffCap, &cfg.Agent.Session.Backoff.MaxDelay},
		{"write_timeout", raw.WriteTimeout, &cfg.Agent.Session.WriteTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Agent.Session.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return agentctlConfig{}, fmt.Errorf("load agent config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if strings.TrimSpace(cfg.PairingPath) == "" {
		return agentctlConfig{}, fmt.Errorf("load agent config: pairing_path is required")
	}
	if cfg.Agent.Session.KeepaliveTimeout < cfg.Agent.Session.KeepaliveInterval {
		return agentctlConfig{}, fmt.Errorf("load agent config: keepalive_timeout must not be shorter than keepalive_interval")
	}
	switch session.NormalizeSecurityMode(cfg.Agent.Session.SecurityMode) {
	case session.SecurityModeDevelopment, session.SecurityModeProduction:
	default:
		return agentctlConfig{}, fmt.Errorf("load agent config: %w: %q", session.ErrInvalidSecurityMode, cfg.Agent.Session.SecurityMode)
	}
	cfg.Agent.Session = cfg.Agent.Session.WithDefaults()
	return cfg, nil
}
