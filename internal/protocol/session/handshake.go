package session

import (
	"fmt"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/protocol"
)

const (
	ReasonInvalidToken = "invalid token"
	ReasonMissingAuth  = "missing auth"
)

// PeerInfo identifies the authenticated agent.
type PeerInfo struct {
	Device     string
	AppVersion string
}

// AuthFrame builds the first frame an agent sends on a fresh transport.
func AuthFrame(token, device, appVersion string) protocol.Auth {
	if device == "" {
		device = "Unknown device"
	}
	if appVersion == "" {
		appVersion = "unknown"
	}
	return protocol.Auth{Token: token, Device: device, AppVersion: appVersion}
}

// EvaluateAuth checks an auth frame and returns the reply to send.
// A non-nil error wraps protocol.ErrAuthRejected.
func EvaluateAuth(msg protocol.Auth, v auth.Validator) (protocol.Message, PeerInfo, error) {
	if v == nil {
		return protocol.AuthFail{Reason: ReasonInvalidToken}, PeerInfo{}, fmt.Errorf("%w: no validator", protocol.ErrAuthRejected)
	}
	if err := msg.Validate(); err != nil {
		return protocol.AuthFail{Reason: ReasonInvalidToken}, PeerInfo{}, err
	}
	if err := v.Validate(msg.Token); err != nil {
		return protocol.AuthFail{Reason: ReasonInvalidToken}, PeerInfo{}, fmt.Errorf("%w: %v", protocol.ErrAuthRejected, err)
	}
	filled := AuthFrame(msg.Token, msg.Device, msg.AppVersion)
	return protocol.AuthOK{}, PeerInfo{Device: filled.Device, AppVersion: filled.AppVersion}, nil
}
