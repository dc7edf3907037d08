package email

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// now is replaced in tests.
var now = time.Now

// Params are the inputs to Build. From and To are required by contract; Build
// does not check them.
type Params struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	// Attachments are file system paths.
	Attachments []string
	Cc          []string
	// Encoding is the charset for the To and Subject headers and the text
	// parts. Defaults to utf-8.
	Encoding string
}

// Build assembles a multipart message from p. Parts are appended in the order
// text, html, attachments; empty bodies are skipped.
func Build(p Params) (*Message, error) {
	charset := p.Encoding
	if charset == "" {
		charset = DefaultCharset
	}
	charset, err := resolveCharset(charset)
	if err != nil {
		return nil, err
	}

	m := &Message{
		from:      p.From,
		to:        p.To,
		subject:   p.Subject,
		cc:        joinNonEmpty(p.Cc),
		charset:   charset,
		date:      now().Truncate(time.Second),
		messageID: newMessageID(p.From),
		boundary:  "prettymail-" + uuid.NewString(),
	}

	if p.Text != "" {
		m.parts = append(m.parts, Part{Kind: PartText, Body: p.Text, Charset: charset})
	}
	if p.HTML != "" {
		m.parts = append(m.parts, Part{Kind: PartHTML, Body: p.HTML, Charset: charset})
	}
	for _, path := range p.Attachments {
		part, err := readAttachment(path)
		if err != nil {
			return nil, err
		}
		m.parts = append(m.parts, part)
	}

	// Surface charset problems now rather than at send time.
	if _, err := m.WriteTo(io.Discard); err != nil {
		return nil, fmt.Errorf("failed to assemble message: %w", err)
	}

	return m, nil
}

// joinNonEmpty joins the non-blank entries of list with ", ".
func joinNonEmpty(list []string) string {
	kept := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, ", ")
}

func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndexByte(from, '@'); i >= 0 {
		if d := strings.TrimRight(from[i+1:], "> \t"); d != "" {
			domain = d
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
