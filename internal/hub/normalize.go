package hub

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/smsrelay/internal/history"
	"github.com/danmuck/smsrelay/internal/protocol"
)

const UnknownCaller = "Unknown caller"

func normalizeSms(n protocol.SmsNotification, now time.Time) protocol.SmsNotification {
	n.From = strings.TrimSpace(n.From)
	if strings.TrimSpace(n.ConversationKey) == "" {
		n.ConversationKey = n.From
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp == 0 {
		n.Timestamp = now.UnixMilli()
	}
	return n
}

func normalizeCall(c protocol.CallIncoming, now time.Time) protocol.CallIncoming {
	if strings.TrimSpace(c.From) == "" {
		c.From = UnknownCaller
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp == 0 {
		c.Timestamp = now.UnixMilli()
	}
	return c
}

func smsEntry(n protocol.SmsNotification, now time.Time) history.Entry {
	return history.Entry{
		ID:               n.ID,
		Kind:             history.KindSms,
		ReceivedAt:       now,
		Timestamp:        n.Timestamp,
		From:             n.From,
		FromPhone:        n.FromPhone,
		Body:             n.Body,
		SourceApp:        n.SourceApp,
		ConversationKey:  n.ConversationKey,
		ReplyKey:         n.ReplyKey,
		VerificationCode: VerificationCode(n.Body),
	}
}

func callEntry(c protocol.CallIncoming, now time.Time) history.Entry {
	return history.Entry{
		ID:         c.ID,
		Kind:       history.KindCall,
		ReceivedAt: now,
		Timestamp:  c.Timestamp,
		From:       c.From,
		Name:       c.Name,
	}
}

// VerificationCode returns the first run of 4 to 8 digits that is not part
// of a longer digit run, or "".
func VerificationCode(body string) string {
	for i := 0; i < len(body); {
		if !isDigit(body[i]) {
			i++
			continue
		}
		j := i
		for j < len(body) && isDigit(body[j]) {
			j++
		}
		if n := j - i; n >= 4 && n <= 8 {
			return body[i:j]
		}
		i = j
	}
	return ""
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
