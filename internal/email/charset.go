package email

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// maxEncodedWord is the RFC 2047 limit on one encoded word.
const maxEncodedWord = 75

var errCharsetUnsupported = errors.New("charset is registered but not supported")

// EncodingError reports a charset that cannot be used, or text that cannot be
// represented in the declared charset.
type EncodingError struct {
	Charset string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("charset %q: %v", e.Charset, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// resolveCharset returns the name to declare for charset. IANA MIME names are
// kept as given; other labels such as "utf8" are mapped through the WHATWG
// index to their IANA name.
func resolveCharset(charset string) (string, error) {
	_, err := lookupEncoding(charset)
	if err == nil {
		return charset, nil
	}
	enc, herr := htmlindex.Get(charset)
	if herr != nil {
		return "", err
	}
	name, nerr := ianaindex.MIME.Name(enc)
	if nerr != nil || name == "" {
		return "", err
	}
	return strings.ToLower(name), nil
}

func lookupEncoding(charset string) (encoding.Encoding, error) {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil {
		return nil, &EncodingError{Charset: charset, Err: err}
	}
	if enc == nil {
		return nil, &EncodingError{Charset: charset, Err: errCharsetUnsupported}
	}
	return enc, nil
}

// transcode converts UTF-8 text into the bytes of the named charset.
func transcode(charset, s string) ([]byte, error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	b, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, &EncodingError{Charset: charset, Err: err}
	}
	return b, nil
}

// encodeWord returns s as RFC 2047 encoded words in charset. Printable ASCII
// is left alone unless it could itself be read as an encoded word. Words are
// cut on character boundaries and each chunk is transcoded on its own, so
// stateful charsets stay decodable word by word.
func encodeWord(charset, s string) (string, error) {
	if isPrintableASCII(s) && !strings.Contains(s, "=?") {
		return s, nil
	}

	limit := maxEncodedWord - len("=?"+charset+"?b?"+"?=")
	var words []string
	for start := 0; start < len(s); {
		end := start
		var chunk []byte
		for end < len(s) {
			_, size := utf8.DecodeRuneInString(s[end:])
			b, err := transcode(charset, s[start:end+size])
			if err != nil {
				return "", err
			}
			if chunk != nil && base64.StdEncoding.EncodedLen(len(b)) > limit {
				break
			}
			chunk = b
			end += size
		}
		words = append(words, bWord(charset, chunk))
		start = end
	}
	return strings.Join(words, " "), nil
}

func bWord(charset string, b []byte) string {
	return "=?" + charset + "?b?" + base64.StdEncoding.EncodeToString(b) + "?="
}

// encodeAddressList encodes the display names of an address list. Values that
// do not parse as addresses are encoded as a whole.
func encodeAddressList(charset, s string) (string, error) {
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		return encodeWord(charset, s)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		switch {
		case a.Name == "":
			out = append(out, a.Address)
		case isPrintableASCII(a.Name) && !strings.Contains(a.Name, "=?"):
			out = append(out, a.String())
		default:
			name, err := encodeWord(charset, a.Name)
			if err != nil {
				return "", err
			}
			out = append(out, name+" <"+a.Address+">")
		}
	}
	return strings.Join(out, ", "), nil
}

// transferEncoding picks the Content-Transfer-Encoding for text in charset.
func transferEncoding(charset string) string {
	switch strings.ToLower(charset) {
	case "utf-8":
		return "base64"
	case "us-ascii":
		return "7bit"
	default:
		return "quoted-printable"
	}
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < ' ' && c != '\t') || c > '~' {
			return false
		}
	}
	return true
}
