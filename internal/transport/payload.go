package transport

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/908Inc/ckanext-prettymail/internal/email"
)

var errNilMessage = errors.New("built payload has no message")

// Envelope is the protocol-level sender and recipient list.
type Envelope struct {
	From       string
	Recipients []string
}

// Payload is what Send transmits: either Raw or Built.
type Payload interface {
	// Envelope derives the SMTP envelope.
	Envelope() (Envelope, error)
	// Bytes returns the wire form of the message.
	Bytes() ([]byte, error)

	isPayload()
}

// Raw is a pre-rendered message with an explicit envelope for a single
// recipient.
type Raw struct {
	Body string
	From string
	To   string
}

func (Raw) isPayload() {}

func (r Raw) Envelope() (Envelope, error) {
	if r.From == "" || r.To == "" {
		return Envelope{}, &MissingEnvelopeError{MissingFrom: r.From == "", MissingTo: r.To == ""}
	}
	return Envelope{From: r.From, Recipients: []string{r.To}}, nil
}

func (r Raw) Bytes() ([]byte, error) {
	return []byte(r.Body), nil
}

// Built wraps a message assembled by email.Build. Its envelope comes from the
// From, To and Cc headers.
type Built struct {
	Message *email.Message
}

func (Built) isPayload() {}

// Envelope takes the sender from the From header and the recipients from To
// followed by Cc. Empty Cc entries are dropped.
func (b Built) Envelope() (Envelope, error) {
	if b.Message == nil {
		return Envelope{}, errNilMessage
	}
	from := addressList(b.Message.From())
	if len(from) == 0 {
		return Envelope{}, &MissingEnvelopeError{MissingFrom: true}
	}

	recipients := addressList(b.Message.To())
	recipients = append(recipients, addressList(b.Message.Cc())...)
	return Envelope{From: from[0], Recipients: recipients}, nil
}

func (b Built) Bytes() ([]byte, error) {
	if b.Message == nil {
		return nil, errNilMessage
	}
	s, err := b.Message.Render()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// addressList extracts bare addresses from a header value. Values that do not
// parse as an RFC 5322 list fall back to a plain comma split.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	if addrs, err := mail.ParseAddressList(raw); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		return out
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
