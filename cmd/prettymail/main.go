// Package main is the entry point for prettymail.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/908Inc/ckanext-prettymail/internal/action"
	"github.com/908Inc/ckanext-prettymail/internal/config"
	"github.com/908Inc/ckanext-prettymail/internal/delivery"
	"github.com/908Inc/ckanext-prettymail/internal/delivery/ses"
	"github.com/908Inc/ckanext-prettymail/internal/provider/stdout"
	"github.com/908Inc/ckanext-prettymail/internal/smtp"
	smtptls "github.com/908Inc/ckanext-prettymail/internal/tls"
	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "prettymail",
		Short:         "prettymail - multipart mail over SMTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("config", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		newSendCmd(),
		newSinkCmd(),
	)
	return root
}

type sendOptions struct {
	from        string
	to          string
	subject     string
	text        string
	html        string
	markdown    string
	encoding    string
	cc          []string
	attachments []string
	rawFile     string
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build and send one message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)
			return runSend(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.from, "from", "", "From header and envelope sender")
	f.StringVar(&opts.to, "to", "", "recipient address list")
	f.StringVar(&opts.subject, "subject", "", "message subject")
	f.StringVar(&opts.text, "text", "", "plain text body")
	f.StringVar(&opts.html, "html", "", "HTML body")
	f.StringVar(&opts.markdown, "markdown", "", "Markdown body, rendered to HTML when --html is empty")
	f.StringVar(&opts.encoding, "encoding", "", "charset for headers and text parts (default utf-8)")
	f.StringSliceVar(&opts.cc, "cc", nil, "Cc address (repeatable)")
	f.StringSliceVar(&opts.attachments, "attach", nil, "file to attach (repeatable)")
	f.StringVar(&opts.rawFile, "raw-file", "", "send a pre-rendered message file using smtp.mail_from as envelope sender")
	return cmd
}

func newSinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP sink that prints every accepted message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogger(cfg.Logging.Level)
			return runSink(cfg)
		},
	}
}

func runSend(ctx context.Context, out io.Writer, cfg *config.Config, opts *sendOptions) error {
	d, err := newDeliverer(ctx, cfg)
	if err != nil {
		return err
	}

	var receipt transport.Receipt
	if opts.rawFile != "" {
		body, err := os.ReadFile(opts.rawFile)
		if err != nil {
			return fmt.Errorf("failed to read raw message: %w", err)
		}
		receipt, err = d.Deliver(ctx, transport.Raw{
			Body: string(body),
			From: cfg.SMTP.MailFrom,
			To:   opts.to,
		})
		if err != nil {
			return err
		}
	} else {
		receipt, err = action.New(d, slog.Default()).SendMail(ctx, sendData(opts))
		if err != nil {
			return err
		}
	}

	printReceipt(out, receipt)
	return nil
}

// sendData turns the flags into the action's request map. Unset optional
// flags are left out.
func sendData(opts *sendOptions) map[string]any {
	data := map[string]any{
		action.KeyFrom:    opts.from,
		action.KeyTo:      opts.to,
		action.KeySubject: opts.subject,
	}
	optional := map[string]string{
		action.KeyText:     opts.text,
		action.KeyHTML:     opts.html,
		action.KeyMarkdown: opts.markdown,
		action.KeyEncoding: opts.encoding,
	}
	for k, v := range optional {
		if v != "" {
			data[k] = v
		}
	}
	if len(opts.cc) > 0 {
		data[action.KeyCc] = opts.cc
	}
	if len(opts.attachments) > 0 {
		data[action.KeyAttachments] = opts.attachments
	}
	return data
}

func printReceipt(w io.Writer, r transport.Receipt) {
	for _, addr := range r.Accepted {
		fmt.Fprintf(w, "accepted %s\n", addr)
	}
	rejected := make([]string, 0, len(r.Rejected))
	for addr := range r.Rejected {
		rejected = append(rejected, addr)
	}
	sort.Strings(rejected)
	for _, addr := range rejected {
		fmt.Fprintf(w, "rejected %s: %v\n", addr, r.Rejected[addr])
	}
}

// newDeliverer chooses the delivery backend based on configuration.
func newDeliverer(ctx context.Context, cfg *config.Config) (delivery.Deliverer, error) {
	switch cfg.Delivery {
	case config.DeliverySES:
		slog.Info("using AWS SES delivery", "region", cfg.SES.Region)
		d, err := ses.New(ctx, cfg.SESDelivery())
		if err != nil {
			return nil, fmt.Errorf("failed to create SES deliverer: %w", err)
		}
		return d, nil

	case config.DeliverySMTP:
		tc, err := cfg.Transport()
		if err != nil {
			return nil, err
		}
		slog.Debug("using SMTP delivery",
			"server", tc.Server,
			"starttls", tc.StartTLS,
			"test_server", cfg.SMTP.TestServer != "",
		)
		return delivery.NewSMTP(tc), nil

	default:
		return nil, fmt.Errorf("unknown delivery %q", cfg.Delivery)
	}
}

func runSink(cfg *config.Config) error {
	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov := stdout.New()
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.Sink.Listen,
		Hostname:       "localhost",
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Sink.Username,
		AuthPassword:   cfg.Sink.Password,
		MaxMessageSize: cfg.Sink.MaxMessageSize,
	})

	slog.Info("starting prettymail sink",
		"listen", cfg.Sink.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.SinkAuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("prettymail sink stopped")
	return nil
}

// loadConfig loads configuration from the --config path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("prettymail failed", "error", err)
		os.Exit(1)
	}
}
