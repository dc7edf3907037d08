// Package action implements send_mail: it turns a request map into a MIME
// message and hands it to a Deliverer.
package action

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/908Inc/ckanext-prettymail/internal/delivery"
	"github.com/908Inc/ckanext-prettymail/internal/email"
	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

// Request keys understood by SendMail.
const (
	KeyFrom        = "from"
	KeyTo          = "to"
	KeySubject     = "subject"
	KeyText        = "message_text"
	KeyHTML        = "message_html"
	KeyMarkdown    = "message_markdown"
	KeyEncoding    = "message_encoding"
	KeyAttachments = "attachments"
	KeyCc          = "cc"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Action sends mail through a Deliverer.
type Action struct {
	deliverer delivery.Deliverer
	log       *slog.Logger
}

// New creates an Action. A nil logger means slog.Default().
func New(d delivery.Deliverer, logger *slog.Logger) *Action {
	if logger == nil {
		logger = slog.Default()
	}
	return &Action{deliverer: d, log: logger}
}

// SendMail builds a message from data and delivers it. Builder and delivery
// errors are returned unchanged.
func (a *Action) SendMail(ctx context.Context, data map[string]any) (transport.Receipt, error) {
	params, err := paramsFrom(data)
	if err != nil {
		return transport.Receipt{}, err
	}

	msg, err := email.Build(params)
	if err != nil {
		return transport.Receipt{}, err
	}

	start := time.Now()
	receipt, err := a.deliverer.Deliver(ctx, transport.Built{Message: msg})
	if err != nil {
		a.log.Error("send_mail failed",
			"deliverer", a.deliverer.Name(),
			"message_id", msg.MessageID(),
			"error", err,
		)
		return receipt, err
	}

	a.log.Info("send_mail delivered",
		"deliverer", a.deliverer.Name(),
		"message_id", msg.MessageID(),
		"accepted", len(receipt.Accepted),
		"rejected", len(receipt.Rejected),
		"duration", time.Since(start),
	)
	return receipt, nil
}

func paramsFrom(data map[string]any) (email.Params, error) {
	var (
		p   email.Params
		err error
	)

	if p.From, err = requiredString(data, KeyFrom); err != nil {
		return p, err
	}
	if p.To, err = requiredString(data, KeyTo); err != nil {
		return p, err
	}
	if p.Subject, err = requiredString(data, KeySubject); err != nil {
		return p, err
	}
	if p.Text, err = optionalString(data, KeyText); err != nil {
		return p, err
	}
	if p.HTML, err = optionalString(data, KeyHTML); err != nil {
		return p, err
	}
	if p.Encoding, err = optionalString(data, KeyEncoding); err != nil {
		return p, err
	}
	if p.Attachments, err = stringList(data, KeyAttachments, false); err != nil {
		return p, err
	}
	if p.Cc, err = stringList(data, KeyCc, true); err != nil {
		return p, err
	}

	if p.HTML == "" {
		source, err := optionalString(data, KeyMarkdown)
		if err != nil {
			return p, err
		}
		if source != "" {
			if p.HTML, err = renderMarkdown(source); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

func renderMarkdown(source string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("markdown conversion failed: %w", err)
	}
	return buf.String(), nil
}

func requiredString(data map[string]any, key string) (string, error) {
	s, err := optionalString(data, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &MissingFieldError{Field: key}
	}
	return s, nil
}

func optionalString(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldTypeError{Field: key, Want: "a string", Got: v}
	}
	return s, nil
}

// stringList reads a list of strings. With allowScalar a single string is
// accepted as a one-element list.
func stringList(data map[string]any, key string, allowScalar bool) ([]string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}

	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, &FieldTypeError{Field: key, Want: "a list of strings", Got: item}
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if allowScalar {
			if t == "" {
				return nil, nil
			}
			return []string{t}, nil
		}
	}
	return nil, &FieldTypeError{Field: key, Want: "a list of strings", Got: v}
}
