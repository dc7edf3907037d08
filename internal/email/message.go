// Package email defines the outgoing message model and its MIME assembly, plus
// the inbound model used by the local SMTP sink.
package email

import (
	"strings"
	"time"
)

// DefaultCharset is the charset used when a message does not declare one.
const DefaultCharset = "utf-8"

// PartKind identifies the variant carried by a Part.
type PartKind int

const (
	PartText PartKind = iota
	PartHTML
	PartAttachment
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartHTML:
		return "html"
	case PartAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// Part is one body part of a Message. Text and HTML parts use Body and
// Charset; attachment parts use Filename, Content and MediaType.
type Part struct {
	Kind PartKind

	Body    string
	Charset string

	Filename  string
	Content   []byte
	MediaType string
	Params    map[string]string
}

// MajorType returns the part of the media type before the slash.
func (p Part) MajorType() string {
	major, _ := splitMediaType(p.mediaType())
	return major
}

// MinorType returns the part of the media type after the slash.
func (p Part) MinorType() string {
	_, minor := splitMediaType(p.mediaType())
	return minor
}

func (p Part) mediaType() string {
	switch p.Kind {
	case PartText:
		return "text/plain"
	case PartHTML:
		return "text/html"
	default:
		if p.MediaType == "" {
			return "application/octet-stream"
		}
		return p.MediaType
	}
}

func splitMediaType(t string) (string, string) {
	major, minor, ok := strings.Cut(t, "/")
	if !ok {
		return t, ""
	}
	return major, minor
}

// Message is an assembled multipart message. It is immutable once built;
// rendering never changes it.
type Message struct {
	from      string
	to        string
	subject   string
	cc        string
	charset   string
	date      time.Time
	messageID string
	boundary  string
	parts     []Part
}

// From returns the From header value as given to Build.
func (m *Message) From() string { return m.from }

// To returns the unencoded To header value.
func (m *Message) To() string { return m.to }

// Subject returns the unencoded subject.
func (m *Message) Subject() string { return m.subject }

// Cc returns the comma-joined Cc list, or "" when the message has none.
func (m *Message) Cc() string { return m.cc }

// Charset returns the declared charset of headers and text parts.
func (m *Message) Charset() string { return m.charset }

// Date returns the Date header value fixed at build time.
func (m *Message) Date() time.Time { return m.date }

// MessageID returns the Message-ID header value, angle brackets included.
func (m *Message) MessageID() string { return m.messageID }

// Parts returns a copy of the ordered part list.
func (m *Message) Parts() []Part {
	parts := make([]Part, len(m.parts))
	copy(parts, m.parts)
	return parts
}

// Inbound represents a message as accepted by the SMTP sink: the envelope
// from the SMTP transaction plus the parsed content of the DATA payload.
type Inbound struct {
	EnvelopeFrom string
	EnvelopeTo   []string

	From        string
	To          []string
	Cc          []string
	Subject     string
	MessageID   string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	Raw         []byte
}

// Attachment represents a file attached to an inbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
