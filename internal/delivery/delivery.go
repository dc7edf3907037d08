// Package delivery hands transport payloads to the configured backend.
package delivery

import (
	"context"

	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

// Deliverer sends one payload and reports which recipients were accepted.
type Deliverer interface {
	Deliver(ctx context.Context, p transport.Payload) (transport.Receipt, error)

	// Name returns the human-readable name of this backend.
	Name() string
}

// SMTP delivers every payload over its own short-lived session.
type SMTP struct {
	cfg transport.Config
}

// NewSMTP creates an SMTP deliverer for cfg.
func NewSMTP(cfg transport.Config) *SMTP {
	return &SMTP{cfg: cfg}
}

// Deliver opens a session, sends p and releases the session, whatever the
// outcome. A release failure is joined with the send error.
func (s *SMTP) Deliver(ctx context.Context, p transport.Payload) (transport.Receipt, error) {
	var receipt transport.Receipt
	err := transport.WithConn(ctx, s.cfg, func(c *transport.Conn) error {
		var err error
		receipt, err = c.Send(p)
		return err
	})
	return receipt, err
}

// Name returns the deliverer name.
func (s *SMTP) Name() string { return "smtp" }
