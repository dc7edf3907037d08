package transport

import (
	"errors"
	"fmt"
	"net/textproto"
)

// ErrClosed is returned by Close on an already released connection and by
// Send after release.
var ErrClosed = errors.New("smtp connection already closed")

// UnsupportedCapabilityError reports a required extension the server does not
// advertise.
type UnsupportedCapabilityError struct {
	Extension string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("SMTP server does not support %s", e.Extension)
}

// AuthenticationError reports rejected credentials or an unusable AUTH
// advertisement.
type AuthenticationError struct {
	Mechanism string
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("smtp authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("smtp authentication (%s) failed: %v", e.Mechanism, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to reach or keep the SMTP session.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("smtp %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a command the server answered with an error reply.
type ProtocolError struct {
	Command string
	Code    int
	Msg     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp %s refused: %d %s", e.Command, e.Code, e.Msg)
}

// MissingEnvelopeError reports a raw payload sent without sender or
// recipient.
type MissingEnvelopeError struct {
	MissingFrom bool
	MissingTo   bool
}

func (e *MissingEnvelopeError) Error() string {
	switch {
	case e.MissingFrom && e.MissingTo:
		return "raw payload needs an envelope sender and recipient"
	case e.MissingFrom:
		return "raw payload needs an envelope sender"
	default:
		return "raw payload needs an envelope recipient"
	}
}

// RecipientsRefusedError reports that no recipient was accepted, so nothing
// was transmitted.
type RecipientsRefusedError struct {
	Receipt Receipt
}

func (e *RecipientsRefusedError) Error() string {
	return fmt.Sprintf("all %d recipients refused", len(e.Receipt.Rejected))
}

// wrap classifies err from a protocol step: server replies become
// ProtocolError, everything else ConnectionError.
func wrap(op, addr string, err error) error {
	var perr *textproto.Error
	if errors.As(err, &perr) {
		return &ProtocolError{Command: op, Code: perr.Code, Msg: perr.Msg}
	}
	return &ConnectionError{Op: op, Addr: addr, Err: err}
}
