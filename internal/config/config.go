// Package config persists pairing state between runs: the hub's shared token
// and the agent's pairing payload. Files are TOML written with 0600 permissions.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/smsrelay/internal/auth"
)

var ErrNoState = errors.New("config: no state file")

// HubState is the hub's persisted credential.
type HubState struct {
	Token     string    `toml:"token"`
	CreatedAt time.Time `toml:"created_at"`
}

func ValidateHubState(s HubState) error {
	if strings.TrimSpace(s.Token) == "" {
		return fmt.Errorf("hub state missing token")
	}
	return nil
}

// HubStateFile stores HubState at Path and satisfies hub.CredentialStore.
type HubStateFile struct {
	Path string
	Now  func() time.Time
}

func (f HubStateFile) Load() (HubState, error) {
	var s HubState
	if err := loadToml(f.Path, &s); err != nil {
		return HubState{}, err
	}
	if err := ValidateHubState(s); err != nil {
		return HubState{}, fmt.Errorf("config invalid (%s): %w", f.Path, err)
	}
	return s, nil
}

// LoadOrCreate returns the stored credential, generating and saving a new one
// when the file does not exist yet.
func (f HubStateFile) LoadOrCreate() (auth.Credential, bool, error) {
	s, err := f.Load()
	if err == nil {
		return s.Credential(), false, nil
	}
	if !errors.Is(err, ErrNoState) {
		return auth.Credential{}, false, err
	}
	cred, err := auth.NewCredential()
	if err != nil {
		return auth.Credential{}, false, err
	}
	if err := f.SaveCredential(cred); err != nil {
		return auth.Credential{}, false, err
	}
	return cred, true, nil
}

func (f HubStateFile) SaveCredential(cred auth.Credential) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return saveToml(f.Path, HubStateFromCredential(cred, now()))
}

// PairingFile stores the agent's pairing payload at Path.
type PairingFile struct {
	Path string
}

// Load returns nil without error when the agent is not paired.
func (f PairingFile) Load() (*auth.PairingPayload, error) {
	var p auth.PairingPayload
	if err := loadToml(f.Path, &p); err != nil {
		if errors.Is(err, ErrNoState) {
			return nil, nil
		}
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", f.Path, err)
	}
	return &p, nil
}

func (f PairingFile) Save(p auth.PairingPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return saveToml(f.Path, p)
}

func (f PairingFile) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config clear failed (%s): %w", f.Path, err)
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoState, path)
		}
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func saveToml(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config encode failed (%s): %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config dir failed (%s): %w", path, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config write failed (%s): %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config write failed (%s): %w", path, err)
	}
	return nil
}
