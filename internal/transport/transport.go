// Package transport provides the single full-duplex message channel between
// agent and hub. One Send is one frame; frames arrive in send order.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/smsrelay/internal/protocol"
)

var ErrClosed = errors.New("transport: closed")

const DefaultReadLimit = 1 << 20

// Conn is one established transport. Send is safe for concurrent use;
// Receive is called from a single read loop.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// SendMessage encodes msg and sends it as one frame.
func SendMessage(ctx context.Context, c Conn, msg protocol.Message) error {
	if c == nil {
		return fmt.Errorf("%w: no connection", protocol.ErrTransportFailure)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

func failure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", protocol.ErrTransportFailure, op, err)
}
