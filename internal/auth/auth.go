// Package auth owns pairing credentials and handshake validation.
//
// It avoids storage concerns; see internal/config for persistence.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a presented credential.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// CredentialValidator accepts either the shared token or its pairing code.
// The pairing code never expires; callers that need a hard boundary should
// validate against StaticToken instead.
type CredentialValidator struct {
	Credential Credential
}

func (v CredentialValidator) Validate(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrUnauthorized
	}
	if err := (StaticToken{Token: v.Credential.Token}).Validate(token); err == nil {
		return nil
	}
	return (StaticToken{Token: v.Credential.Code}).Validate(token)
}
