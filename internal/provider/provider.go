// Package provider defines where the SMTP sink hands off accepted messages.
package provider

import (
	"context"

	"github.com/908Inc/ckanext-prettymail/internal/email"
)

// Provider receives every message the sink accepts. A Send error makes the
// sink answer 451 so the client sees a transient failure.
type Provider interface {
	Send(ctx context.Context, msg *email.Inbound) error

	// Name returns the human-readable name of this provider.
	Name() string
}
