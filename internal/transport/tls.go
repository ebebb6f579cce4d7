package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/smsrelay/internal/protocol/session"
)

// ClientTLSConfig builds the agent's dial TLS settings. It returns nil when
// TLS is not configured so the dialer falls back to system defaults.
func ClientTLSConfig(cfg session.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled && strings.TrimSpace(cfg.CAFile) == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // development mode only, rejected in production
	}
	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("transport: read tls ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}
