package config

import (
	"time"

	"github.com/danmuck/smsrelay/internal/auth"
)

func HubStateFromCredential(cred auth.Credential, now time.Time) HubState {
	return HubState{Token: cred.Token, CreatedAt: now.UTC()}
}

// Credential re-derives the pairing code from the stored token.
func (s HubState) Credential() auth.Credential {
	return auth.CredentialFromToken(s.Token)
}
