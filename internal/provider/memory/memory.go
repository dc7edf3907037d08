// Package memory implements a Provider that keeps accepted messages in
// memory. Tests run the sink with it and inspect what arrived.
package memory

import (
	"context"
	"sync"

	"github.com/908Inc/ckanext-prettymail/internal/email"
)

// Provider records every message it receives. It is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	messages []*email.Inbound
	// changed is closed and replaced on every recorded message.
	changed chan struct{}

	// Err, when set, is returned from Send and nothing is recorded.
	Err error
}

// New creates an empty recorder.
func New() *Provider {
	return &Provider{changed: make(chan struct{})}
}

// Send records msg.
func (p *Provider) Send(_ context.Context, msg *email.Inbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)

	close(p.changed)
	p.changed = make(chan struct{})
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "memory" }

// Messages returns a snapshot of the recorded messages in arrival order.
func (p *Provider) Messages() []*email.Inbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*email.Inbound, len(p.messages))
	copy(out, p.messages)
	return out
}

// Len returns the number of recorded messages.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// Reset drops every recorded message.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

// Wait blocks until at least n messages are recorded or ctx is done. Any
// number of goroutines may wait at once.
func (p *Provider) Wait(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		count, changed := len(p.messages), p.changed
		p.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
