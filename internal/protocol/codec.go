package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Encode marshals msg with "type" as the first key.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	inner := bytes.TrimSpace(body)
	inner = bytes.TrimPrefix(inner, []byte("{"))
	inner = bytes.TrimSuffix(inner, []byte("}"))
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PeekType returns the discriminator without decoding the payload.
func PeekType(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", ErrMalformedMessage
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return "", fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || strings.TrimSpace(typ.String()) == "" {
		return "", ErrMissingType
	}
	return strings.TrimSpace(typ.String()), nil
}

// Decode parses one wire frame into its typed message.
// Unknown types return ErrUnknownType; receivers drop those silently.
func Decode(raw []byte) (Message, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeAuth:
		return decodeAs[Auth](raw)
	case TypeAuthOK:
		return AuthOK{}, nil
	case TypeAuthFail:
		return decodeAs[AuthFail](raw)
	case TypeSmsNotification:
		msg, err := decodeAs[SmsNotification](raw)
		if err == nil && msg.SourceApp == "" {
			msg.SourceApp = legacySourceApp(raw)
		}
		return msg, err
	case TypeCallIncoming:
		return decodeAs[CallIncoming](raw)
	case TypePing:
		return decodeAs[Ping](raw)
	case TypePong:
		return Pong{}, nil
	case TypeSmsReply:
		msg, err := decodeAs[SmsReply](raw)
		if err == nil && msg.SourceApp == "" {
			msg.SourceApp = legacySourceApp(raw)
		}
		return msg, err
	case TypeSmsReplyResult:
		return decodeAs[SmsReplyResult](raw)
	case TypeReplySms:
		msg, err := decodeAs[ReplySms](raw)
		if err == nil && msg.SourceApp == "" {
			msg.SourceApp = legacySourceApp(raw)
		}
		return msg, err
	case TypeReplySmsResult:
		return decodeAs[ReplySmsResult](raw)
	case TypeCallHangup:
		return CallHangup{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decodeAs[T Message](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, out.MessageType(), err)
	}
	return out, nil
}

// Older peers sent the app identifier as "sourceApp".
func legacySourceApp(raw []byte) string {
	return gjson.GetBytes(raw, "sourceApp").String()
}
