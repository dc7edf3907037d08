package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/908Inc/ckanext-prettymail/internal/email"
	"github.com/908Inc/ckanext-prettymail/internal/provider/memory"
	sink "github.com/908Inc/ckanext-prettymail/internal/smtp"
	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

func startSink(t *testing.T, cfg sink.ServerConfig) (string, *memory.Provider) {
	t.Helper()

	rec := memory.New()
	cfg.Provider = rec
	cfg.ListenAddr = "127.0.0.1:0"

	srv := sink.New(cfg)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr(), rec
}

func TestSMTP_Deliver(t *testing.T) {
	t.Parallel()

	addr, rec := startSink(t, sink.ServerConfig{})
	d := NewSMTP(transport.Config{Server: addr})
	assert.Equal(t, "smtp", d.Name())

	m, err := email.Build(email.Params{
		From:    "portal@example.com",
		To:      "alice@example.com",
		Subject: "Delivered",
		Text:    "body",
	})
	require.NoError(t, err)

	for range 2 {
		receipt, err := d.Deliver(context.Background(), transport.Built{Message: m})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice@example.com"}, receipt.Accepted)
	}
	assert.Equal(t, 2, rec.Len())
}

func TestSMTP_DeliverSurfacesTransportErrors(t *testing.T) {
	t.Parallel()

	addr, rec := startSink(t, sink.ServerConfig{})
	d := NewSMTP(transport.Config{Server: addr, StartTLS: true})

	_, err := d.Deliver(context.Background(), transport.Raw{Body: "x", From: "a@example.com", To: "b@example.com"})
	var capErr *transport.UnsupportedCapabilityError
	assert.True(t, errors.As(err, &capErr))
	assert.Zero(t, rec.Len())
}
