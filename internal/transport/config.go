// Package transport manages one SMTP session: connect, optional STARTTLS and
// AUTH, envelope derivation and delivery, and release.
package transport

import (
	"crypto/tls"
	"log/slog"
	"net"
)

// defaultPort is used when Server carries no port.
const defaultPort = "25"

// Config describes how to reach and authenticate against an SMTP server.
type Config struct {
	// Server is "host" or "host:port".
	Server string

	// StartTLS requires the session to be upgraded with STARTTLS.
	StartTLS bool

	// Username and Password enable AUTH when both are non-empty.
	Username string
	Password string

	// LocalName is the EHLO name. Defaults to "localhost".
	LocalName string

	// TLSConfig is used for STARTTLS. ServerName defaults to the server host.
	TLSConfig *tls.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) addr() string {
	if _, _, err := net.SplitHostPort(c.Server); err == nil {
		return c.Server
	}
	return net.JoinHostPort(c.Server, defaultPort)
}

func (c Config) host() string {
	host, _, err := net.SplitHostPort(c.addr())
	if err != nil {
		return c.Server
	}
	return host
}

func (c Config) localName() string {
	if c.LocalName == "" {
		return "localhost"
	}
	return c.LocalName
}

func (c Config) tlsConfig() *tls.Config {
	if c.TLSConfig == nil {
		return &tls.Config{ServerName: c.host(), MinVersion: tls.VersionTLS12}
	}
	cfg := c.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.host()
	}
	return cfg
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// State is the lifecycle position of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePlaintextReady
	StateTLSReady
	StateAuthenticated
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePlaintextReady:
		return "plaintext-ready"
	case StateTLSReady:
		return "tls-ready"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
