package protocol

import (
	"fmt"
	"strings"
)

const (
	TypeAuth            = "auth"
	TypeAuthOK          = "auth.ok"
	TypeAuthFail        = "auth.fail"
	TypeSmsNotification = "sms.notification"
	TypeCallIncoming    = "call.incoming"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSmsReply        = "sms.reply"
	TypeSmsReplyResult  = "sms.reply.result"
	TypeReplySms        = "reply_sms"
	TypeReplySmsResult  = "reply_sms.result"
	TypeCallHangup      = "call.hangup"
)

// Message is any payload that can travel as one wire frame.
type Message interface {
	MessageType() string
}

// Auth is the agent's first frame on every connection.
type Auth struct {
	Token      string `json:"token"`
	Device     string `json:"device,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

type AuthOK struct{}

type AuthFail struct {
	Reason string `json:"reason,omitempty"`
}

// SmsNotification is an inbound SMS event. Timestamp is unix millis.
type SmsNotification struct {
	ID              string `json:"id"`
	Timestamp       int64  `json:"timestamp"`
	From            string `json:"from"`
	FromPhone       string `json:"fromPhone,omitempty"`
	Body            string `json:"body"`
	SourceApp       string `json:"sourcePackage"`
	ConversationKey string `json:"conversationKey"`
	ReplyKey        string `json:"replyKey,omitempty"`
}

type CallIncoming struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	Name      string `json:"name,omitempty"`
}

type Ping struct {
	TS int64 `json:"ts"`
}

type Pong struct{}

// SmsReply asks the agent to re-inject text into an existing conversation.
type SmsReply struct {
	ReplyKey        string `json:"replyKey,omitempty"`
	SourceApp       string `json:"sourcePackage"`
	ConversationKey string `json:"conversationKey"`
	Body            string `json:"body"`
}

type SmsReplyResult struct {
	ReplyKey string `json:"replyKey"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
}

// ReplySms asks the agent to originate a new SMS. ClientMsgID is the idempotency key.
type ReplySms struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	SourceApp      string `json:"sourcePackage"`
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type ReplySmsResult struct {
	ClientMsgID string `json:"client_msg_id"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
}

type CallHangup struct{}

func (Auth) MessageType() string            { return TypeAuth }
func (AuthOK) MessageType() string          { return TypeAuthOK }
func (AuthFail) MessageType() string        { return TypeAuthFail }
func (SmsNotification) MessageType() string { return TypeSmsNotification }
func (CallIncoming) MessageType() string    { return TypeCallIncoming }
func (Ping) MessageType() string            { return TypePing }
func (Pong) MessageType() string            { return TypePong }
func (SmsReply) MessageType() string        { return TypeSmsReply }
func (SmsReplyResult) MessageType() string  { return TypeSmsReplyResult }
func (ReplySms) MessageType() string        { return TypeReplySms }
func (ReplySmsResult) MessageType() string  { return TypeReplySmsResult }
func (CallHangup) MessageType() string      { return TypeCallHangup }

func (a Auth) Validate() error {
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrAuthRejected)
	}
	return nil
}

func (r SmsReply) Validate() error {
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidCommand)
	}
	if strings.TrimSpace(r.ReplyKey) == "" && strings.TrimSpace(r.SourceApp) == "" {
		return fmt.Errorf("%w: missing source package", ErrInvalidCommand)
	}
	return nil
}

func (r ReplySms) Validate() error {
	if strings.TrimSpace(r.ClientMsgID) == "" {
		return fmt.Errorf("%w: missing client_msg_id", ErrInvalidCommand)
	}
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidCommand)
	}
	return nil
}
