package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "hub":
		return hubTemplate, nil
	case "agent":
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hubTemplate = `listen_addr = ":8765"
ws_path = "/ws"
mode = "listen"
# relay_url = "wss://relay.example.com/relay"
# relay_secret = ""
state_path = "smsrelay-hub.state.toml"
history_path = "smsrelay-history.db"
history_limit = 200
device_name = "smsrelay hub"
mdns_enabled = true
cors_origins = ["http://localhost:3000"]
security_mode = "development"
# tls_cert_file = ""
# tls_key_file = ""
write_timeout = "10s"
`

const agentTemplate = `pairing_path = "smsrelay-agent.pairing.toml"
device = "console"
app_version = "0.1.0"
keepalive_interval = "20s"
keepalive_timeout = "60s"
backoff_base = "1s"
backoff_cap = "30s"
backoff_max_exponent = 6
write_timeout = "10s"
connect_timeout = "10s"
security_mode = "development"
# tls_ca_file = ""
`
