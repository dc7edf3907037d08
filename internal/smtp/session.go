package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/908Inc/ckanext-prettymail/internal/email"
	"github.com/908Inc/ckanext-prettymail/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// session is one client connection, read and written through net/textproto.
type session struct {
	srv   *Server
	conn  net.Conn
	text  *textproto.Conn
	state int
	tls   bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		srv:   srv,
		conn:  conn,
		text:  textproto.NewConn(conn),
		state: stateConnected,
	}
}

// run serves commands until QUIT, a read error or ctx cancellation.
func (s *session) run(ctx context.Context) {
	defer func() { s.conn.Close() }()

	s.reply(220, "%s ESMTP prettymail sink", s.srv.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.reply(421, "Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.dispatch(ctx, cmd, arg) {
			return
		}
	}
}

// dispatch runs one command and reports whether the session should end.
func (s *session) dispatch(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Bye")
		return true
	default:
		s.reply(500, "Unrecognized command")
	}
	return false
}

func (s *session) handleHello(cmd, arg string) {
	if arg == "" {
		s.reply(501, "Syntax: %s hostname", cmd)
		return
	}
	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.reply(250, "%s Hello %s", s.srv.config.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.srv.config.Hostname, arg)}
	if s.srv.config.TLSConfig != nil && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	if s.srv.auth.Enabled() {
		lines = append(lines, "AUTH "+strings.Join(s.srv.mechanisms(), " "))
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.srv.config.MaxMessageSize), "8BITMIME")
	s.replyLines(250, lines)
}

// handleStartTLS upgrades the connection. A failed handshake ends the session.
func (s *session) handleStartTLS() bool {
	if s.srv.config.TLSConfig == nil {
		s.reply(454, "TLS not available")
		return false
	}
	if s.tls {
		s.reply(454, "TLS already active")
		return false
	}

	s.reply(220, "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return true
	}

	// RFC 3207: the client must greet again after the upgrade.
	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	s.tls = true
	s.state = stateConnected
	s.resetTransaction()
	return false
}

func (s *session) handleAuth(arg string) {
	if s.state < stateGreeted {
		s.reply(503, "Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.Enabled() {
		s.reply(503, "AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.reply(503, "Already authenticated")
		return
	}

	mech, initial, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(mech)
	if !s.srv.advertises(mech) {
		s.reply(504, "Unrecognized authentication type")
		return
	}

	var err error
	switch mech {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	case "CRAM-MD5":
		err = s.authCRAMMD5()
	default:
		err = fmt.Errorf("mechanism %s not implemented", mech)
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply(501, "Authentication cancelled")
	case err != nil:
		slog.Debug("authentication rejected", "mechanism", mech, "error", err)
		s.reply(535, "Authentication failed")
	default:
		s.state = stateAuthOK
		s.reply(235, "Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// challenge sends a 334 continuation and returns the client's answer.
func (s *session) challenge(prompt string) (string, error) {
	s.reply(334, "%s", base64.StdEncoding.EncodeToString([]byte(prompt)))
	line, err := s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.srv.auth.VerifyPlain(encoded)
}

func (s *session) authLogin() error {
	user, err := s.challenge("Username:")
	if err != nil {
		return err
	}
	pass, err := s.challenge("Password:")
	if err != nil {
		return err
	}
	return s.srv.auth.VerifyLogin(user, pass)
}

func (s *session) authCRAMMD5() error {
	nonce := fmt.Sprintf("<%d.%d@%s>", os.Getpid(), time.Now().UnixNano(), s.srv.config.Hostname)
	answer, err := s.challenge(nonce)
	if err != nil {
		return err
	}
	return s.srv.auth.VerifyCRAMMD5(nonce, answer)
}

func (s *session) handleMail(arg string) {
	if s.state < stateGreeted {
		s.reply(503, "Send EHLO/HELO first")
		return
	}
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.reply(530, "Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply(503, "Nested MAIL command")
		return
	}

	addr, ok := pathArg(arg, "FROM:")
	if !ok {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply(250, "OK")
}

func (s *session) handleRcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply(503, "Send MAIL FROM first")
		return
	}

	addr, ok := pathArg(arg, "TO:")
	if !ok || addr == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	if reject := s.srv.config.RejectRecipient; reject != nil && reject(addr) {
		s.reply(550, "Mailbox unavailable: %s", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply(250, "OK")
}

// handleData reads the payload and hands it to the provider. It reports
// whether the connection broke mid-transfer.
func (s *session) handleData(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.reply(503, "Send RCPT TO first")
		return false
	}

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	raw, tooBig, err := s.readData(s.srv.config.MaxMessageSize)
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return true
	}
	defer s.resetTransaction()

	if tooBig {
		s.reply(552, "Message exceeds fixed maximum message size")
		return false
	}

	prov := s.srv.config.Provider
	if err := prov.Send(ctx, s.inbound(raw)); err != nil {
		slog.Error("provider send failed",
			"provider", prov.Name(),
			"error", err,
		)
		s.reply(451, "Temporary failure, please try again later")
		return false
	}

	s.reply(250, "OK message accepted")
	return false
}

// readData reads up to the lone "." line, undoing dot-stuffing and keeping
// line endings as sent. Past limit the rest is drained and tooBig is set.
func (s *session) readData(limit int64) (raw []byte, tooBig bool, err error) {
	var buf bytes.Buffer
	for {
		line, err := s.text.R.ReadBytes('\n')
		if err != nil {
			return nil, false, err
		}
		if string(line) == ".\r\n" || string(line) == ".\n" {
			break
		}
		if line[0] == '.' {
			line = line[1:]
		}
		if tooBig {
			continue
		}
		if int64(buf.Len()+len(line)) > limit {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.Write(line)
	}
	if tooBig {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

// inbound parses raw and attaches the envelope. Unparseable content is still
// accepted; only the envelope and raw bytes are kept then.
func (s *session) inbound(raw []byte) *email.Inbound {
	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("accepting unparseable message", "error", err)
		msg = &email.Inbound{}
	}
	msg.EnvelopeFrom = s.mailFrom
	msg.EnvelopeTo = append([]string(nil), s.rcptTo...)
	msg.Raw = raw
	return msg
}

// resetTransaction clears the mail transaction without touching the
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) reply(code int, format string, args ...any) {
	if err := s.text.PrintfLine("%d %s", code, fmt.Sprintf(format, args...)); err != nil {
		slog.Error("failed to write to client", "error", err)
	}
}

// replyLines writes a multi-line reply.
func (s *session) replyLines(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := s.text.PrintfLine("%d%s%s", code, sep, l); err != nil {
			slog.Error("failed to write to client", "error", err)
			return
		}
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// pathArg extracts the address from "FROM:<addr> PARAMS" style arguments.
// The null reverse path "<>" yields an empty address.
func pathArg(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", false
		}
		return rest[1:end], true
	}

	addr, _, _ := strings.Cut(rest, " ")
	if addr == "" {
		return "", false
	}
	return addr, true
}
