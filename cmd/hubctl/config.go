package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/smsrelay/internal/history"
	"github.com/danmuck/smsrelay/internal/hub"
	"github.com/danmuck/smsrelay/internal/protocol/session"
)

// hubctl config.toml key mapping to hub runtime settings.
type fileConfig struct {
	ListenAddr   string   `toml:"listen_addr"`
	WSPath       string   `toml:"ws_path"`
	PublicURL    string   `toml:"public_url"`
	Mode         string   `toml:"mode"`
	RelayURL     string   `toml:"relay_url"`
	RelaySecret  string   `toml:"relay_secret"`
	StatePath    string   `toml:"state_path"`
	HistoryPath  string   `toml:"history_path"`
	HistoryLimit int      `toml:"history_limit"`
	DeviceName   string   `toml:"device_name"`
	MDNSEnabled  bool     `toml:"mdns_enabled"`
	CORSOrigins  []string `toml:"cors_origins"`
	SecurityMode string   `toml:"security_mode"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	WriteTimeout string   `toml:"write_timeout"`
}

type hubctlConfig struct {
	Hub          hub.Config
	Server       hub.ServerConfig
	StatePath    string
	HistoryPath  string
	HistoryLimit int
	MDNSEnabled  bool
}

func defaultConfig() hubctlConfig {
	return hubctlConfig{
		Hub:          hub.DefaultConfig(),
		Server:       hub.DefaultServerConfig(),
		StatePath:    "smsrelay-hub.state.toml",
		HistoryLimit: history.DefaultSQLiteLimit,
		MDNSEnabled:  true,
	}
}

// hubctl loader for TOML config with default overlay. An empty path yields defaults.
func loadConfig(path string) (hubctlConfig, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return hubctlConfig{}, fmt.Errorf("load hub config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("ws_path") {
		cfg.Server.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("public_url") {
		cfg.Server.PublicURL = strings.TrimSpace(raw.PublicURL)
	}
	if meta.IsDefined("device_name") {
		cfg.Server.DeviceName = strings.TrimSpace(raw.DeviceName)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Server.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("mode") {
		cfg.Hub.Mode = hub.Mode(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("relay_url") {
		cfg.Hub.RelayURL = strings.TrimSpace(raw.RelayURL)
	}
	if meta.IsDefined("relay_secret") {
		cfg.Hub.RelaySecret = raw.RelaySecret
	}
	if meta.IsDefined("state_path") {
		cfg.StatePath = strings.TrimSpace(raw.StatePath)
	}
	if meta.IsDefined("history_path") {
		cfg.HistoryPath = strings.TrimSpace(raw.HistoryPath)
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("mdns_enabled") {
		cfg.MDNSEnabled = raw.MDNSEnabled
	}
	if meta.IsDefined("security_mode") {
		cfg.Hub.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Hub.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Hub.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return hubctlConfig{}, fmt.Errorf("load hub config: write_timeout: %w", err)
		}
		cfg.Hub.Session.WriteTimeout = d
	}
	cfg.Hub.Session.TLS.Enabled = cfg.Hub.Session.TLS.CertFile != "" || cfg.Hub.Session.TLS.KeyFile != ""

	if strings.TrimSpace(cfg.StatePath) == "" {
		return hubctlConfig{}, fmt.Errorf("load hub config: state_path is required")
	}
	if cfg.HistoryLimit < 0 {
		return hubctlConfig{}, fmt.Errorf("load hub config: history_limit must not be negative")
	}
	cfg.Hub = cfg.Hub.WithDefaults()
	if err := cfg.Hub.Validate(); err != nil {
		return hubctlConfig{}, fmt.Errorf("load hub config: %w", err)
	}
	if cfg.Hub.Mode == hub.ModeListen {
		if err := cfg.Hub.Session.ValidateServerTransport(); err != nil {
			return hubctlConfig{}, fmt.Errorf("load hub config: %w", err)
		}
	}
	return cfg, nil
}
