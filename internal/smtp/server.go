// Package smtp implements a small SMTP sink: it speaks enough of the protocol
// (EHLO, STARTTLS, AUTH PLAIN/LOGIN, MAIL/RCPT/DATA) to accept mail from
// standard clients and hands every accepted message to a Provider. It is the
// target for smtp.test_server in development and in tests.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/908Inc/ckanext-prettymail/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxMessageSize is 10 MB.
const defaultMaxMessageSize = 10 * 1024 * 1024

// ServerConfig holds the configuration for a sink server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable AUTH when both are set; MAIL is
	// then refused until the client authenticates.
	AuthUsername string
	AuthPassword string

	// AuthMechanisms lists the SASL mechanisms to advertise, in order.
	// Defaults to PLAIN, LOGIN and CRAM-MD5.
	AuthMechanisms []string

	// MaxMessageSize caps DATA in bytes. Defaults to 10 MB.
	MaxMessageSize int64

	// RejectRecipient, when set, refuses RCPT for addresses it returns true
	// for.
	RejectRecipient func(addr string) bool
}

// Server accepts SMTP connections and delegates delivery to a Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a sink server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// Listen binds the listening socket. Addr is valid once it returns.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is cancelled,
// then waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("smtp sink: Serve called before Listen")
	}

	slog.Info("SMTP sink listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP sink")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).run(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

func (s *Server) mechanisms() []string {
	if len(s.config.AuthMechanisms) == 0 {
		return []string{"PLAIN", "LOGIN", "CRAM-MD5"}
	}
	return s.config.AuthMechanisms
}

func (s *Server) advertises(mech string) bool {
	for _, m := range s.mechanisms() {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
