package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/908Inc/ckanext-prettymail/internal/config"
	"github.com/908Inc/ckanext-prettymail/internal/delivery"
	"github.com/908Inc/ckanext-prettymail/internal/provider/memory"
	"github.com/908Inc/ckanext-prettymail/internal/smtp"
	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

func findCmd(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, cmd := range root.Commands() {
		if cmd.Name() == name {
			return cmd
		}
	}
	require.FailNow(t, "missing subcommand", name)
	return nil
}

func startSink(t *testing.T) (string, *memory.Provider) {
	t.Helper()

	rec := memory.New()
	srv := smtp.New(smtp.ServerConfig{ListenAddr: "127.0.0.1:0", Provider: rec})
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

func TestRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"send", "sink"} {
		findCmd(t, root, name)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"), "--config flag should exist")
}

func TestRootCmd_HasVersion(t *testing.T) {
	root := newRootCmd()
	assert.NotEmpty(t, root.Version)
}

func TestSendCmd_Flags(t *testing.T) {
	send := findCmd(t, newRootCmd(), "send")
	for _, name := range []string{"from", "to", "subject", "text", "html", "markdown", "encoding", "cc", "attach", "raw-file"} {
		assert.NotNil(t, send.Flags().Lookup(name), "--%s flag should exist", name)
	}
}

func TestSendData(t *testing.T) {
	data := sendData(&sendOptions{
		from:        "portal@example.com",
		to:          "alice@example.com",
		subject:     "Hi",
		text:        "body",
		cc:          []string{"bob@example.com"},
		attachments: []string{"/tmp/a.pdf"},
	})

	assert.Equal(t, map[string]any{
		"from":         "portal@example.com",
		"to":           "alice@example.com",
		"subject":      "Hi",
		"message_text": "body",
		"cc":           []string{"bob@example.com"},
		"attachments":  []string{"/tmp/a.pdf"},
	}, data)
}

func TestRunSend_Built(t *testing.T) {
	addr, rec := startSink(t)
	cfg := &config.Config{
		Delivery: config.DeliverySMTP,
		SMTP:     config.SMTPConfig{TestServer: addr, StartTLS: "true"},
	}

	var out bytes.Buffer
	err := runSend(context.Background(), &out, cfg, &sendOptions{
		from:     "portal@example.com",
		to:       "alice@example.com",
		subject:  "From the CLI",
		markdown: "*hello*",
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted alice@example.com\n", out.String())

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "From the CLI", msgs[0].Subject)
	assert.Contains(t, msgs[0].HtmlBody, "<em>hello</em>")
}

func TestRunSend_RawFileUsesMailFrom(t *testing.T) {
	addr, rec := startSink(t)
	cfg := &config.Config{
		Delivery: config.DeliverySMTP,
		SMTP:     config.SMTPConfig{TestServer: addr, MailFrom: "bounces@example.com"},
	}

	raw := "From: portal@example.com\r\nTo: alice@example.com\r\nSubject: Raw\r\n\r\nraw body\r\n"
	path := filepath.Join(t.TempDir(), "message.eml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	var out bytes.Buffer
	err := runSend(context.Background(), &out, cfg, &sendOptions{to: "alice@example.com", rawFile: path})
	require.NoError(t, err)

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bounces@example.com", msgs[0].EnvelopeFrom)
	assert.Equal(t, raw, string(msgs[0].Raw))
}

func TestRunSend_MissingField(t *testing.T) {
	cfg := &config.Config{Delivery: config.DeliverySMTP, SMTP: config.SMTPConfig{Server: "localhost"}}

	err := runSend(context.Background(), &bytes.Buffer{}, cfg, &sendOptions{to: "alice@example.com", subject: "Hi"})
	assert.ErrorContains(t, err, `"from"`)
}

func TestNewDeliverer(t *testing.T) {
	d, err := newDeliverer(context.Background(), &config.Config{Delivery: config.DeliverySMTP, SMTP: config.SMTPConfig{Server: "localhost"}})
	require.NoError(t, err)
	assert.IsType(t, &delivery.SMTP{}, d)

	_, err = newDeliverer(context.Background(), &config.Config{Delivery: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = newDeliverer(context.Background(), &config.Config{Delivery: config.DeliverySMTP, SMTP: config.SMTPConfig{StartTLS: "perhaps"}})
	assert.Error(t, err)
}

func TestPrintReceipt(t *testing.T) {
	var out bytes.Buffer
	printReceipt(&out, transport.Receipt{
		Accepted: []string{"alice@example.com"},
		Rejected: map[string]error{
			"zed@example.com": errors.New("550 no such user"),
			"bob@example.com": errors.New("550 mailbox full"),
		},
	})
	assert.Equal(t, "accepted alice@example.com\n"+
		"rejected bob@example.com: 550 mailbox full\n"+
		"rejected zed@example.com: 550 no such user\n", out.String())
}
