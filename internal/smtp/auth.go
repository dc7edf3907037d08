package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var errBadCredentials = errors.New("authentication failed")

// Authenticator verifies SMTP AUTH exchanges against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response: base64(authzid\0user\0pass).
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return a.check(parts[1], parts[2])
}

// VerifyLogin checks the two base64 answers of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username: %w", err)
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password: %w", err)
	}
	return a.check(string(user), string(pass))
}

// VerifyCRAMMD5 checks a CRAM-MD5 answer, base64("user hex(hmac-md5(challenge))"),
// against the challenge the server issued.
func (a *Authenticator) VerifyCRAMMD5(challenge, encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding: %w", err)
	}
	user, digest, ok := strings.Cut(string(decoded), " ")
	if !ok {
		return errors.New("invalid CRAM-MD5 format")
	}

	mac := hmac.New(md5.New, []byte(a.password))
	mac.Write([]byte(challenge))
	want := hex.EncodeToString(mac.Sum(nil))

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	digestOK := subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1
	if !userOK || !digestOK {
		return errBadCredentials
	}
	return nil
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errBadCredentials
	}
	return nil
}
