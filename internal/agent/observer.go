package agent

import (
	"context"

	"github.com/danmuck/smsrelay/internal/command"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/replytarget"
)

// Observer receives session callbacks on the session's dispatcher goroutine,
// never under the session lock and always in the order they occurred.
type Observer interface {
	OnEvent(msg protocol.Message)
	OnCommandResult(msg protocol.Message)
	OnAuthStateChanged(authenticated bool)
	OnConnectionStateChanged(state session.State)
}

// ObserverFuncs adapts optional funcs into an Observer.
type ObserverFuncs struct {
	Event           func(protocol.Message)
	CommandResult   func(protocol.Message)
	AuthState       func(bool)
	ConnectionState func(session.State)
}

func (o ObserverFuncs) OnEvent(msg protocol.Message) {
	if o.Event != nil {
		o.Event(msg)
	}
}

func (o ObserverFuncs) OnCommandResult(msg protocol.Message) {
	if o.CommandResult != nil {
		o.CommandResult(msg)
	}
}

func (o ObserverFuncs) OnAuthStateChanged(authenticated bool) {
	if o.AuthState != nil {
		o.AuthState(authenticated)
	}
}

func (o ObserverFuncs) OnConnectionStateChanged(state session.State) {
	if o.ConnectionState != nil {
		o.ConnectionState(state)
	}
}

// CallController hangs up the active call.
type CallController interface {
	HangUp(ctx context.Context) error
}

// Platform bundles the device primitives the session drives.
type Platform struct {
	Sms     command.SmsSender
	Replies replytarget.Injector
	Calls   CallController
}
