package session

import "time"

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig carries transport TLS material.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxExponent  int
	Jitter       bool
}

// Config defines session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	SmsQueueCap       int
	CallQueueCap      int
	Backoff           BackoffConfig
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepaliveInterval: 20 * time.Second,
		KeepaliveTimeout:  60 * time.Second,
		SmsQueueCap:       100,
		CallQueueCap:      30,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			MaxExponent:  6,
			Jitter:       false,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if c.SmsQueueCap <= 0 {
		c.SmsQueueCap = d.SmsQueueCap
	}
	if c.CallQueueCap <= 0 {
		c.CallQueueCap = d.CallQueueCap
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.MaxExponent <= 0 {
		c.Backoff.MaxExponent = d.Backoff.MaxExponent
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
