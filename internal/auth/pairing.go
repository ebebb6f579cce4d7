package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	PairingVersion = 1
	// NoExpiryMS is the expiresAtMs stamped on payloads; expiry is not enforced.
	NoExpiryMS int64 = 4102444800000
)

var ErrInvalidPairing = errors.New("auth: invalid pairing payload")

// PairingPayload is the QR/manual pairing document the hub hands to an agent.
type PairingPayload struct {
	Version      int    `json:"version" toml:"version"`
	URL          string `json:"url" toml:"url"`
	PairingToken string `json:"pairingToken" toml:"pairing_token"`
	ExpiresAtMS  int64  `json:"expiresAtMs" toml:"expires_at_ms"`
	DeviceName   string `json:"deviceName,omitempty" toml:"device_name,omitempty"`
}

func NewPairingPayload(wsURL string, cred Credential, deviceName string) PairingPayload {
	return PairingPayload{
		Version:      PairingVersion,
		URL:          wsURL,
		PairingToken: cred.Token,
		ExpiresAtMS:  NoExpiryMS,
		DeviceName:   deviceName,
	}
}

func (p PairingPayload) Validate() error {
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidPairing)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPairing, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme %q", ErrInvalidPairing, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidPairing)
	}
	if strings.TrimSpace(p.PairingToken) == "" {
		return fmt.Errorf("%w: missing pairingToken", ErrInvalidPairing)
	}
	return nil
}

// ParsePairingPayload decodes and validates QR content.
func ParsePairingPayload(raw []byte) (PairingPayload, error) {
	var p PairingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PairingPayload{}, fmt.Errorf("%w: %v", ErrInvalidPairing, err)
	}
	p.URL = strings.TrimSpace(p.URL)
	p.PairingToken = strings.TrimSpace(p.PairingToken)
	if p.Version == 0 {
		p.Version = PairingVersion
	}
	if p.ExpiresAtMS == 0 {
		p.ExpiresAtMS = NoExpiryMS
	}
	if err := p.Validate(); err != nil {
		return PairingPayload{}, err
	}
	return p, nil
}

func (p PairingPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
