package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/smsrelay/internal/protocol/session"
)

// Mode selects how agents reach the hub.
type Mode string

const (
	ModeListen Mode = "listen"
	ModeBridge Mode = "bridge"
)

const (
	DefaultDedupWindow = 90 * time.Second
	DefaultPendingTTL  = 10 * time.Minute
)

type Config struct {
	Mode        Mode
	Session     session.Config
	RelayURL    string
	RelaySecret string
	DedupWindow time.Duration
	PendingTTL  time.Duration
	Now         func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Mode:        ModeListen,
		Session:     session.DefaultConfig(),
		DedupWindow: DefaultDedupWindow,
		PendingTTL:  DefaultPendingTTL,
		Now:         time.Now,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	c.Session = c.Session.WithDefaults()
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = def.PendingTTL
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeListen:
	case ModeBridge:
		if strings.TrimSpace(c.RelayURL) == "" {
			return fmt.Errorf("hub: bridge mode requires relay url")
		}
		if err := c.Session.ValidateClientTransport(c.RelayURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("hub: unknown mode %q", c.Mode)
	}
	return nil
}
