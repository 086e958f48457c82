// Package smtp implements the SMTP listener the mail platform submits to.
// Accepted messages are parsed and handed to a provider.Provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrAuthFailed is returned when the credentials do not match.
	ErrAuthFailed = errors.New("authentication failed")

	errInvalidEncoding = errors.New("invalid base64 encoding")
	errInvalidPlain    = errors.New("invalid AUTH PLAIN format")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Empty credentials disable
// authentication.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks an AUTH PLAIN response: base64(authzid\0authcid\0password).
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errInvalidEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errInvalidPlain
	}

	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errInvalidEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errInvalidEncoding
	}

	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username) == 1
	passOK := subtle.ConstantTimeCompare(pass, a.password) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}
