package hub

import (
	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/history"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
)

// Observer receives hub callbacks in order on the hub's dispatcher goroutine.
type Observer interface {
	OnMessage(e history.Entry)
	OnCommandResult(msg protocol.Message)
	OnAuthStateChanged(peer session.PeerInfo, authenticatedCount int)
	OnServerStateChanged(state string)
}

type ObserverFuncs struct {
	Message       func(history.Entry)
	CommandResult func(protocol.Message)
	AuthState     func(session.PeerInfo, int)
	ServerState   func(string)
}

func (o ObserverFuncs) OnMessage(e history.Entry) {
	if o.Message != nil {
		o.Message(e)
	}
}

func (o ObserverFuncs) OnCommandResult(msg protocol.Message) {
	if o.CommandResult != nil {
		o.CommandResult(msg)
	}
}

func (o ObserverFuncs) OnAuthStateChanged(peer session.PeerInfo, count int) {
	if o.AuthState != nil {
		o.AuthState(peer, count)
	}
}

func (o ObserverFuncs) OnServerStateChanged(state string) {
	if o.ServerState != nil {
		o.ServerState(state)
	}
}

// CredentialStore persists a rotated credential.
type CredentialStore interface {
	SaveCredential(cred auth.Credential) error
}
