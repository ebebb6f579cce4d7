package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

const tokenBytes = 32

// Credential is the hub's pairing secret plus its human-enterable code.
type Credential struct {
	Token string
	Code  string
}

// NewCredential generates a fresh random token.
func NewCredential() (Credential, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Credential{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return CredentialFromToken(base64.StdEncoding.EncodeToString(buf)), nil
}

func CredentialFromToken(token string) Credential {
	token = strings.TrimSpace(token)
	return Credential{Token: token, Code: PairingCode(token)}
}

// PairingCode reduces the first four bytes of sha256(token) to six digits.
func PairingCode(token string) string {
	sum := sha256.Sum256([]byte(token))
	n := binary.BigEndian.Uint32(sum[:4])
	return fmt.Sprintf("%06d", n%1_000_000)
}

func (c Credential) IsZero() bool {
	return strings.TrimSpace(c.Token) == ""
}
