package email

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// base64LineLength is the RFC 2045 limit for encoded lines.
const base64LineLength = 76

// Render returns the complete MIME document. Repeated calls return the same
// bytes.
func (m *Message) Render() (string, error) {
	var b strings.Builder
	if _, err := m.WriteTo(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteTo writes the MIME document to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := m.write(cw)
	return cw.n, err
}

func (m *Message) write(w io.Writer) error {
	header, err := m.header()
	if err != nil {
		return err
	}
	if err := textproto.WriteHeader(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(m.boundary); err != nil {
		return fmt.Errorf("invalid boundary: %w", err)
	}
	for i, p := range m.parts {
		if err := writePart(mw, p); err != nil {
			return fmt.Errorf("failed to write %s part %d: %w", p.Kind, i, err)
		}
	}
	return mw.Close()
}

type headerField struct {
	key, value string
}

func (m *Message) header() (textproto.Header, error) {
	from, err := encodeAddressList(m.charset, m.from)
	if err != nil {
		return textproto.Header{}, err
	}
	to, err := encodeAddressList(m.charset, m.to)
	if err != nil {
		return textproto.Header{}, err
	}
	subject, err := encodeWord(m.charset, m.subject)
	if err != nil {
		return textproto.Header{}, err
	}

	fields := []headerField{
		{"From", from},
		{"To", to},
	}
	if m.cc != "" {
		cc, err := encodeAddressList(m.charset, m.cc)
		if err != nil {
			return textproto.Header{}, err
		}
		fields = append(fields, headerField{"Cc", cc})
	}
	fields = append(fields,
		headerField{"Subject", subject},
		headerField{"Date", m.date.Format(time.RFC1123Z)},
		headerField{"Message-Id", m.messageID},
		headerField{"MIME-Version", "1.0"},
		headerField{"Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": m.boundary})},
	)

	// textproto writes fields last-added first.
	var h textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i].key, fields[i].value)
	}
	return h, nil
}

func writePart(mw *textproto.MultipartWriter, p Part) error {
	var (
		h    message.Header
		body []byte
		cte  string
	)

	switch p.Kind {
	case PartText, PartHTML:
		b, err := transcode(p.Charset, p.Body)
		if err != nil {
			return err
		}
		body, cte = b, transferEncoding(p.Charset)
		h.Set("Content-Transfer-Encoding", cte)
		h.SetContentType(p.mediaType(), map[string]string{"charset": p.Charset})
	case PartAttachment:
		body, cte = p.Content, "base64"
		h.SetContentDisposition("attachment", map[string]string{"filename": p.Filename})
		h.Set("Content-Transfer-Encoding", cte)
		h.SetContentType(p.mediaType(), p.Params)
	default:
		return fmt.Errorf("unknown part kind %d", p.Kind)
	}

	pw, err := mw.CreatePart(h.Header)
	if err != nil {
		return err
	}
	return encodeBody(pw, cte, body)
}

func encodeBody(w io.Writer, cte string, body []byte) error {
	switch cte {
	case "base64":
		_, err := io.WriteString(w, encodeBase64WithLineBreaks(body))
		return err
	case "quoted-printable":
		qw := quotedprintable.NewWriter(w)
		if _, err := qw.Write(body); err != nil {
			return err
		}
		return qw.Close()
	default:
		s := strings.ReplaceAll(string(body), "\r\n", "\n")
		_, err := io.WriteString(w, strings.ReplaceAll(s, "\n", "\r\n"))
		return err
	}
}

// encodeBase64WithLineBreaks encodes bytes to base64 with CRLF line breaks
// every 76 characters.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
