package transport

import (
	"errors"
	"strings"

	"github.com/wneessen/go-mail/smtp"
)

// Mechanisms in order of preference.
var authPreference = []string{"CRAM-MD5", "PLAIN", "LOGIN"}

var errAuthNotAdvertised = errors.New("server does not advertise AUTH")

// pickAuth chooses the preferred mechanism among those the server advertises.
// PLAIN and LOGIN refuse to send credentials in clear text to a host other
// than localhost.
func pickAuth(advertised, username, password, host string) (smtp.Auth, string) {
	offered := make(map[string]bool)
	for _, m := range strings.Fields(strings.ToUpper(advertised)) {
		offered[m] = true
	}

	for _, mech := range authPreference {
		if !offered[mech] {
			continue
		}
		switch mech {
		case "CRAM-MD5":
			return smtp.CRAMMD5Auth(username, password), mech
		case "PLAIN":
			return smtp.PlainAuth("", username, password, host, false), mech
		case "LOGIN":
			return smtp.LoginAuth(username, password, host, false), mech
		}
	}
	return nil, ""
}
