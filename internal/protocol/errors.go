package protocol

import (
	"errors"
	"strings"
)

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrMissingType      = errors.New("protocol: missing type")
	ErrUnknownType      = errors.New("protocol: unknown type")
)

// Relay error taxonomy shared by agent and hub.
var (
	ErrAuthRejected         = errors.New("auth rejected")
	ErrTransportFailure     = errors.New("transport failure")
	ErrTargetNotFound       = errors.New("reply target not found")
	ErrInvalidCommand       = errors.New("invalid command")
	ErrSendPrimitiveFailure = errors.New("send failed")
)

// ReasonFor renders err as the wire reason string.
// Wrapped detail wins over the bare sentinel text.
func ReasonFor(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}
