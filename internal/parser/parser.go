// Package parser turns raw RFC 5322 messages accepted by the SMTP sink into
// email.Inbound values. Transfer encodings and charsets are decoded, so text
// bodies come back as UTF-8.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/908Inc/ckanext-prettymail/internal/email"
)

// Parse reads raw into an Inbound. Text and HTML bodies keep the first part of
// each kind; every other leaf part with a filename, or with an attachment
// disposition, becomes an Attachment. Envelope fields are left empty.
func Parse(raw []byte) (*email.Inbound, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("message uses an unknown charset, keeping raw bytes", "error", err)
	}
	defer mr.Close()

	result := &email.Inbound{
		RawHeaders: mr.Header.Map(),
		From:       mr.Header.Get("From"),
		MessageID:  mr.Header.Get("Message-Id"),
		To:         addressList(mr.Header, "To"),
		Cc:         addressList(mr.Header, "Cc"),
	}
	if result.Subject, err = mr.Header.Subject(); err != nil {
		slog.Warn("failed to decode subject", "error", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part content: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			addInline(result, h, content)
		case *mail.AttachmentHeader:
			addAttachment(result, h, content)
		}
	}

	return result, nil
}

func addInline(result *email.Inbound, h *mail.InlineHeader, content []byte) {
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	switch mediaType {
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(content)
		}
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	default:
		slog.Warn("unrecognized inline part, skipping", "content_type", mediaType)
	}
}

func addAttachment(result *email.Inbound, h *mail.AttachmentHeader, content []byte) {
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}

	filename, err := h.Filename()
	if err != nil {
		slog.Warn("failed to decode attachment filename", "error", err)
	}
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}

	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// fallbackFilename names an attachment after its media subtype.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList returns the bare addresses of a header field. Values that do
// not parse are split on commas instead.
func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	var out []string
	for _, p := range strings.Split(h.Get(key), ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
