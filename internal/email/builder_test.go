package email

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerSection returns everything before the first blank line.
func headerSection(t *testing.T, rendered string) string {
	t.Helper()
	head, _, ok := strings.Cut(rendered, "\r\n\r\n")
	require.True(t, ok, "rendered message has no header terminator")
	return head
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestBuild_NoBody(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:    "portal@example.com",
		To:      "user@example.com",
		Subject: "Empty",
	})
	require.NoError(t, err)
	assert.Empty(t, m.Parts())

	out, err := m.Render()
	require.NoError(t, err)
	head := headerSection(t, out)

	assert.Equal(t, 1, strings.Count(head, "\r\nTo: "))
	assert.Equal(t, 1, strings.Count(head, "\r\nSubject: "))
	assert.Contains(t, head, "\r\nTo: user@example.com")
	assert.Contains(t, head, "\r\nSubject: Empty")
	assert.NotContains(t, head, "Cc:")
	assert.Contains(t, head, "Mime-Version: 1.0")
}

func TestBuild_EmptyCcEntriesDropped(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:    "portal@example.com",
		To:      "user@example.com",
		Subject: "Cc",
		Cc:      []string{"", "  ", "ops@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", m.Cc())

	m, err = Build(Params{
		From:    "portal@example.com",
		To:      "user@example.com",
		Subject: "Cc",
		Cc:      []string{""},
	})
	require.NoError(t, err)
	assert.Empty(t, m.Cc())

	out, err := m.Render()
	require.NoError(t, err)
	assert.NotContains(t, headerSection(t, out), "Cc:")
}

func TestBuild_HeaderOrder(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:    "portal@example.com",
		To:      "user@example.com",
		Subject: "Order",
		Cc:      []string{"a@example.com", "b@example.com"},
		Text:    "body",
	})
	require.NoError(t, err)
	out, err := m.Render()
	require.NoError(t, err)

	var keys []string
	for _, line := range strings.Split(headerSection(t, out), "\r\n") {
		if key, _, ok := strings.Cut(line, ":"); ok && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			keys = append(keys, key)
		}
	}
	assert.Equal(t, []string{"From", "To", "Cc", "Subject", "Date", "Message-Id", "Mime-Version", "Content-Type"}, keys)
	assert.Contains(t, out, "Cc: a@example.com, b@example.com\r\n")
	assert.Equal(t, "a@example.com, b@example.com", m.Cc())
}

func TestBuild_TextRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:    "portal@example.com",
		To:      "user@example.com",
		Subject: "Hello",
		Text:    "Hello\nworld",
		HTML:    "<p>Hello</p>",
	})
	require.NoError(t, err)

	parts := m.Parts()
	require.Len(t, parts, 2)
	assert.Equal(t, PartText, parts[0].Kind)
	assert.Equal(t, "text", parts[0].MajorType())
	assert.Equal(t, "plain", parts[0].MinorType())
	assert.Equal(t, PartHTML, parts[1].Kind)
	assert.Equal(t, "html", parts[1].MinorType())

	out, err := m.Render()
	require.NoError(t, err)

	mr, err := mail.CreateReader(strings.NewReader(out))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Hello", subject)

	var bodies []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(b))

		h, ok := p.Header.(*mail.InlineHeader)
		require.True(t, ok)
		_, params, err := h.ContentType()
		require.NoError(t, err)
		assert.Equal(t, "utf-8", params["charset"])
		assert.Equal(t, "base64", h.Get("Content-Transfer-Encoding"))
	}
	assert.Equal(t, []string{"Hello\nworld", "<p>Hello</p>"}, bodies)
}

func TestBuild_Attachment(t *testing.T) {
	t.Parallel()

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 300)...)
	path := writeFile(t, "logo.png", png)

	m, err := Build(Params{
		From:        "portal@example.com",
		To:          "user@example.com",
		Subject:     "Logo",
		Text:        "see attached",
		Attachments: []string{path},
	})
	require.NoError(t, err)

	parts := m.Parts()
	require.Len(t, parts, 2)
	att := parts[1]
	assert.Equal(t, PartAttachment, att.Kind)
	assert.Equal(t, "logo.png", att.Filename)
	assert.Equal(t, "image", att.MajorType())
	assert.Equal(t, "png", att.MinorType())

	out, err := m.Render()
	require.NoError(t, err)

	mr, err := mail.CreateReader(strings.NewReader(out))
	require.NoError(t, err)

	var found bool
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		found = true
		name, err := h.Filename()
		require.NoError(t, err)
		assert.Equal(t, "logo.png", name)

		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		assert.Equal(t, png, b)
	}
	assert.True(t, found, "attachment part not found")
}

func TestBuild_NonUTF8Charset(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:     "portal@example.com",
		To:       "user@example.com",
		Subject:  "Café",
		Text:     "Café",
		Encoding: "iso-8859-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "iso-8859-1", m.Charset())

	out, err := m.Render()
	require.NoError(t, err)

	assert.Contains(t, out, "Subject: =?iso-8859-1?b?Q2Fm6Q==?=\r\n")
	assert.Contains(t, out, "Content-Type: text/plain; charset=iso-8859-1\r\n")
	assert.Contains(t, out, "Content-Transfer-Encoding: quoted-printable\r\n")
	assert.Contains(t, out, "\r\n\r\nCaf=E9")
}

func TestBuild_EncodedDisplayName(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:    "Portal <portal@example.com>",
		To:      "Анна <anna@example.com>",
		Subject: "Hi",
	})
	require.NoError(t, err)

	out, err := m.Render()
	require.NoError(t, err)
	head := headerSection(t, out)
	assert.Contains(t, head, "To: =?utf-8?b?0JDQvdC90LA=?= <anna@example.com>")
	assert.Contains(t, head, `From: "Portal" <portal@example.com>`)
	assert.True(t, strings.HasSuffix(m.MessageID(), "@example.com>"), m.MessageID())
}

// decodedSubject renders m and reads the Subject back with go-message.
func decodedSubject(t *testing.T, m *Message) (string, string) {
	t.Helper()
	out, err := m.Render()
	require.NoError(t, err)

	mr, err := mail.CreateReader(strings.NewReader(out))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)

	// Unfold the raw header so its encoded words can be inspected.
	head := strings.NewReplacer("\r\n ", " ", "\r\n\t", " ").Replace(headerSection(t, out))
	for _, line := range strings.Split(head, "\r\n") {
		if value, ok := strings.CutPrefix(line, "Subject: "); ok {
			return subject, value
		}
	}
	require.FailNow(t, "no Subject header")
	return "", ""
}

func TestBuild_SubjectResemblingEncodedWord(t *testing.T) {
	t.Parallel()

	for _, subject := range []string{"=?utf-8?q?evil?=", "Re: =?iso-8859-1?b?Q2Fm6Q==?= report"} {
		m, err := Build(Params{From: "portal@example.com", To: "user@example.com", Subject: subject})
		require.NoError(t, err)

		got, raw := decodedSubject(t, m)
		assert.Equal(t, subject, got)
		assert.True(t, strings.HasPrefix(raw, "=?utf-8?b?"), raw)
	}
}

func TestBuild_LongSubjectSplitsEncodedWords(t *testing.T) {
	t.Parallel()

	subject := "日本語の件名はとても長くなることがありますので、エンコードされた単語に分割する必要があります"
	for _, charset := range []string{"shift_jis", "utf-8"} {
		t.Run(charset, func(t *testing.T) {
			t.Parallel()

			m, err := Build(Params{
				From:     "portal@example.com",
				To:       "user@example.com",
				Subject:  subject,
				Encoding: charset,
			})
			require.NoError(t, err)

			got, raw := decodedSubject(t, m)
			assert.Equal(t, subject, got)

			words := strings.Fields(raw)
			assert.Greater(t, len(words), 1, raw)
			for _, w := range words {
				assert.LessOrEqual(t, len(w), 75, w)
				assert.True(t, strings.HasPrefix(w, "=?"+charset+"?b?"), w)
			}
		})
	}
}

func TestBuild_CharsetAlias(t *testing.T) {
	t.Parallel()

	for _, alias := range []string{"utf8", "UTF8"} {
		m, err := Build(Params{
			From:     "portal@example.com",
			To:       "user@example.com",
			Subject:  "Привет",
			Text:     "Привет",
			Encoding: alias,
		})
		require.NoError(t, err, alias)
		assert.Equal(t, "utf-8", m.Charset())

		out, err := m.Render()
		require.NoError(t, err)
		assert.Contains(t, out, "Content-Type: text/plain; charset=utf-8\r\n")
		assert.Contains(t, out, "Content-Transfer-Encoding: base64\r\n")
	}
}

func TestBuild_UnknownCharset(t *testing.T) {
	t.Parallel()

	_, err := Build(Params{
		From:     "portal@example.com",
		To:       "user@example.com",
		Encoding: "x-no-such-charset",
	})
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "x-no-such-charset", encErr.Charset)
}

func TestBuild_UnrepresentableText(t *testing.T) {
	t.Parallel()

	_, err := Build(Params{
		From:     "portal@example.com",
		To:       "user@example.com",
		Subject:  "日本",
		Encoding: "iso-8859-1",
	})
	var encErr *EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestBuild_UnreadableAttachment(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.pdf")
	_, err := Build(Params{
		From:        "portal@example.com",
		To:          "user@example.com",
		Attachments: []string{missing},
	})

	var faErr *FileAccessError
	require.ErrorAs(t, err, &faErr)
	assert.Equal(t, missing, faErr.Path)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRender_Idempotent(t *testing.T) {
	t.Parallel()

	m, err := Build(Params{
		From:        "portal@example.com",
		To:          "user@example.com",
		Subject:     "Twice",
		Text:        "same bytes",
		Attachments: []string{writeFile(t, "a.txt", []byte("attached"))},
	})
	require.NoError(t, err)

	first, err := m.Render()
	require.NoError(t, err)
	second, err := m.Render()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var b strings.Builder
	n, err := m.WriteTo(&b)
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)), n)
	assert.Equal(t, first, b.String())
}

func TestBuild_FixedDate(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 9, 30, 15, 500, time.UTC)
	orig := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })

	m, err := Build(Params{From: "portal@example.com", To: "user@example.com", Subject: "Dated"})
	require.NoError(t, err)

	assert.Equal(t, fixed.Truncate(time.Second), m.Date())
	out, err := m.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "Date: Fri, 01 Mar 2024 09:30:15 +0000\r\n")
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	encoded := encodeBase64WithLineBreaks(make([]byte, 120))
	lines := strings.Split(encoded, "\r\n")
	require.Len(t, lines, 3)
	assert.Len(t, lines[0], 76)
	assert.Len(t, lines[1], 76)
	assert.Len(t, lines[2], 8)
}

func TestTransferEncoding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "base64", transferEncoding("UTF-8"))
	assert.Equal(t, "7bit", transferEncoding("us-ascii"))
	assert.Equal(t, "quoted-printable", transferEncoding("koi8-r"))
}

func TestEncodeWord(t *testing.T) {
	t.Parallel()

	plain, err := encodeWord("utf-8", "Weekly digest")
	require.NoError(t, err)
	assert.Equal(t, "Weekly digest", plain)

	looksEncoded, err := encodeWord("utf-8", "=?x?")
	require.NoError(t, err)
	assert.Equal(t, "=?utf-8?b?PT94Pw==?=", looksEncoded)

	long, err := encodeWord("iso-8859-1", strings.Repeat("é", 100))
	require.NoError(t, err)
	words := strings.Split(long, " ")
	require.Len(t, words, 3)
	for _, w := range words {
		assert.LessOrEqual(t, len(w), 75, w)
	}
}

func TestEncodeAddressList_NameResemblingEncodedWord(t *testing.T) {
	t.Parallel()

	got, err := encodeAddressList("utf-8", `"Team =?ops?" <ops@example.com>`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "=?utf-8?b?"), got)
	assert.True(t, strings.HasSuffix(got, " <ops@example.com>"), got)

	addrs, err := mail.ParseAddressList(got)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "Team =?ops?", addrs[0].Name)
}
