package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrRecipientUnavailable marks a direct send that cannot reach its destination.
// The executor retries those through the quick-reply path.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

// SmsSender is the platform send primitive. It returns the number of parts the
// body was split into; onPart is invoked once per part, possibly from another
// goroutine and possibly before SendText returns.
type SmsSender interface {
	SendText(ctx context.Context, destination, body string, onPart func(err error)) (int, error)
}

type SendFailureCode int

const (
	FailureGeneric SendFailureCode = iota + 1
	FailureRadioOff
	FailureNullPDU
	FailureNoService
	FailureShortCodeNotAllowed
	FailureShortCodeNeverAllowed
	FailureRateLimited
)

// PartError is a per-part failure reported by the platform.
type PartError struct {
	Code SendFailureCode
}

func (e PartError) Error() string {
	switch e.Code {
	case FailureGeneric:
		return "generic_failure"
	case FailureRadioOff:
		return "radio_off"
	case FailureNullPDU:
		return "null_pdu"
	case FailureNoService:
		return "no_service"
	case FailureShortCodeNotAllowed:
		return "short_code_not_allowed"
	case FailureShortCodeNeverAllowed:
		return "short_code_never_allowed"
	case FailureRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("send_failed_%d", int(e.Code))
	}
}

var destinationPattern = regexp.MustCompile(`\+?[0-9][0-9()\-\s]{6,}`)

// NormalizeDestination extracts a dialable address from free text.
// Only digits and a leading '+' survive; at least seven digits are required.
func NormalizeDestination(raw string) (string, bool) {
	candidate := destinationPattern.FindString(raw)
	if candidate == "" {
		candidate = raw
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}
	var b strings.Builder
	digits := 0
	for i, r := range candidate {
		switch {
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if digits < 7 {
		return "", false
	}
	return b.String(), true
}
