package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// RelayURL joins the relay base with the room and secret query parameters.
func RelayURL(base, room, secret string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("transport: relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("transport: relay url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("room", room)
	if secret != "" {
		q.Set("secret", secret)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RelayDialer connects the hub to an external relay room.
type RelayDialer struct {
	WriteTimeout time.Duration
	HTTPClient   *http.Client
}

func (d RelayDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, failure("relay dial", err)
	}
	conn.SetReadLimit(DefaultReadLimit)
	remote := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		remote = u.Host
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &relayConn{conn: conn, remote: remote, writeTimeout: timeout}, nil
}

type relayConn struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
}

func (c *relayConn) Send(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return failure("relay write", c.conn.Write(ctx, websocket.MessageText, frame))
}

func (c *relayConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure("relay read", err)
	}
	return data, nil
}

func (c *relayConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "reset")
}

func (c *relayConn) RemoteAddr() string {
	return c.remote
}
