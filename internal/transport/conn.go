package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"

	"github.com/wneessen/go-mail/smtp"
)

var errInvalidAddress = errors.New("address contains CR or LF")

// Receipt is the outcome of one Send. Rejected maps each refused recipient to
// the server's reply.
type Receipt struct {
	Accepted []string
	Rejected map[string]error
}

// Conn is a single SMTP session. It is not safe for concurrent use and must
// be released with Close exactly once.
type Conn struct {
	cfg    Config
	addr   string
	client *smtp.Client
	state  State
	authed bool
	log    *slog.Logger
}

// Dial opens a session to cfg.Server: greeting, EHLO, STARTTLS when
// required, AUTH when credentials are set. Dial is atomic: on any failure the
// socket is already closed and no Conn is returned.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := &Conn{
		cfg:   cfg,
		addr:  cfg.addr(),
		state: StateDisconnected,
		log:   cfg.logger(),
	}

	if err := c.connect(ctx); err != nil {
		c.abort()
		return nil, err
	}
	return c, nil
}

// WithConn dials, runs fn and releases the connection on every exit path.
// A release failure is joined with fn's error.
func WithConn(ctx context.Context, cfg Config, fn func(*Conn) error) (err error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(c)
}

func (c *Conn) connect(ctx context.Context) error {
	c.state = StateConnecting

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &ConnectionError{Op: "dial", Addr: c.addr, Err: err}
	}

	client, err := smtp.NewClient(nc, c.cfg.host())
	if err != nil {
		nc.Close()
		return wrap("greeting", c.addr, err)
	}
	c.client = client

	if err := client.Hello(c.cfg.localName()); err != nil {
		return wrap("EHLO", c.addr, err)
	}
	c.state = StatePlaintextReady
	c.log.Debug("smtp session opened", "server", c.addr)

	if c.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &UnsupportedCapabilityError{Extension: "STARTTLS"}
		}
		// StartTLS repeats EHLO over the encrypted channel.
		if err := client.StartTLS(c.cfg.tlsConfig()); err != nil {
			return wrap("STARTTLS", c.addr, err)
		}
		c.state = StateTLSReady
		c.log.Debug("smtp session upgraded to TLS", "server", c.addr)
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		if err := c.authenticate(); err != nil {
			return err
		}
		c.authed = true
		c.state = StateAuthenticated
		c.log.Debug("smtp session authenticated", "server", c.addr, "user", c.cfg.Username)
	}

	c.state = StateOpen
	return nil
}

func (c *Conn) authenticate() error {
	ok, mechs := c.client.Extension("AUTH")
	if !ok {
		return &AuthenticationError{Err: errAuthNotAdvertised}
	}
	auth, mech := pickAuth(mechs, c.cfg.Username, c.cfg.Password, c.cfg.host())
	if auth == nil {
		return &AuthenticationError{Err: fmt.Errorf("no supported mechanism in %q", mechs)}
	}
	if err := c.client.Auth(auth); err != nil {
		return &AuthenticationError{Mechanism: mech, Err: err}
	}
	return nil
}

// State reports the lifecycle position of the connection.
func (c *Conn) State() State { return c.state }

// TLS reports whether the session runs over TLS.
func (c *Conn) TLS() bool {
	if c.client == nil {
		return false
	}
	_, ok := c.client.TLSConnectionState()
	return ok
}

// Authenticated reports whether AUTH succeeded on this session.
func (c *Conn) Authenticated() bool { return c.authed }

// Send transmits p. Recipients the server refuses are reported in the
// receipt and do not fail the call; when none is accepted the transaction is
// reset and a RecipientsRefusedError is returned.
func (c *Conn) Send(p Payload) (Receipt, error) {
	if c.state == StateClosed {
		return Receipt{}, ErrClosed
	}
	if c.state != StateOpen {
		return Receipt{}, fmt.Errorf("smtp connection not open (state %s)", c.state)
	}

	env, err := p.Envelope()
	if err != nil {
		return Receipt{}, err
	}
	body, err := p.Bytes()
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to render payload: %w", err)
	}

	if err := c.client.Mail(env.From); err != nil {
		c.reset()
		return Receipt{}, wrap("MAIL FROM", c.addr, err)
	}

	receipt := Receipt{Rejected: make(map[string]error)}
	for _, rcpt := range env.Recipients {
		if strings.ContainsAny(rcpt, "\r\n") {
			receipt.Rejected[rcpt] = errInvalidAddress
			continue
		}
		if err := c.client.Rcpt(rcpt); err != nil {
			var perr *textproto.Error
			if !errors.As(err, &perr) {
				return receipt, wrap("RCPT TO", c.addr, err)
			}
			c.log.Warn("smtp recipient refused", "recipient", rcpt, "code", perr.Code, "reply", perr.Msg)
			receipt.Rejected[rcpt] = wrap("RCPT TO", c.addr, err)
			continue
		}
		receipt.Accepted = append(receipt.Accepted, rcpt)
	}

	if len(receipt.Accepted) == 0 {
		c.reset()
		return receipt, &RecipientsRefusedError{Receipt: receipt}
	}

	w, err := c.client.Data()
	if err != nil {
		return receipt, wrap("DATA", c.addr, err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return receipt, wrap("DATA", c.addr, err)
	}
	if err := w.Close(); err != nil {
		return receipt, wrap("DATA", c.addr, err)
	}

	c.log.Info("smtp message delivered",
		"server", c.addr,
		"from", env.From,
		"accepted", len(receipt.Accepted),
		"rejected", len(receipt.Rejected),
	)
	return receipt, nil
}

// reset aborts the current mail transaction; failures only get logged since
// the caller already has a more specific error.
func (c *Conn) reset() {
	if err := c.client.Reset(); err != nil {
		c.log.Debug("smtp RSET failed", "server", c.addr, "error", err)
	}
}

// Close ends the session with QUIT, falling back to closing the socket. A
// second call returns ErrClosed.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return ErrClosed
	}
	c.state = StateClosed
	if c.client == nil {
		return nil
	}

	if err := c.client.Quit(); err != nil {
		c.log.Debug("smtp QUIT failed, closing socket", "server", c.addr, "error", err)
		if cerr := c.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			return &ConnectionError{Op: "close", Addr: c.addr, Err: cerr}
		}
	}
	c.log.Debug("smtp session closed", "server", c.addr)
	return nil
}

// abort releases whatever a failed connect left open.
func (c *Conn) abort() {
	if err := c.Close(); err != nil {
		c.log.Debug("smtp cleanup after failed dial", "server", c.addr, "error", err)
	}
}
