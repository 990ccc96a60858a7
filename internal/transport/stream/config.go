package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ccsctl/internal/protocol/frame"
	"github.com/danmuck/ccsctl/internal/transport"
)

// SecurityMode selects how strictly the client validates its TLS setup.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrAddressRequired         = errors.New("stream: address required")
	ErrInvalidSecurityMode     = errors.New("stream: invalid security mode")
	ErrTLSRequired             = errors.New("stream: tls required")
	ErrTLSCAFileRequired       = errors.New("stream: tls ca file required")
	ErrTLSKeyPairIncomplete    = errors.New("stream: tls cert and key must be set together")
	ErrTLSInsecureSkipNotAllow = errors.New("stream: insecure skip verify not allowed")
)

// TLSConfig is the client side TLS material.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
	// UseSystemRoots trusts the host root pool when no CAFile is given.
	UseSystemRoots bool
}

// Config defines dial, handshake, and reconnect behavior.
type Config struct {
	Address          string
	SecurityMode     SecurityMode
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables link keepalives; a peer silent for three
	// intervals is treated as a dropped connection. Zero disables.
	PingInterval         time.Duration
	Reconnect            bool
	MaxReconnectAttempts int
	Backoff              transport.BackoffConfig
	Limits               frame.Limits
}

func DefaultConfig() Config {
	return Config{
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     15 * time.Second,
		PingInterval:     0,
		Reconnect:        true,
		Backoff:          transport.DefaultBackoff(),
		Limits:           frame.DefaultLimits(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(string(c.SecurityMode)) == "" {
		c.SecurityMode = def.SecurityMode
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff == (transport.BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// Validate checks address and TLS settings for the selected security mode.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if !c.TLS.Enabled {
		return nil
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.UseSystemRoots && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	hasCert := strings.TrimSpace(c.TLS.CertFile) != ""
	hasKey := strings.TrimSpace(c.TLS.KeyFile) != ""
	if hasCert != hasKey {
		return ErrTLSKeyPairIncomplete
	}
	return nil
}
