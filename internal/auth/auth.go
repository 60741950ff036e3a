// Package auth validates SMTP AUTH credentials against the principal store.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaykit/graph-relay/internal/store"
)

// ErrInvalidCredentials is the single error returned for every
// authentication failure. Unknown principals and wrong passwords are
// indistinguishable to avoid account enumeration.
var ErrInvalidCredentials = errors.New("invalid username or password")

// PrincipalStore is the subset of the store the authenticator needs.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, email string) (*store.Principal, error)
}

// Authenticator verifies SMTP credentials against stored principals.
type Authenticator struct {
	store PrincipalStore
}

// New creates an Authenticator backed by the given store.
func New(s PrincipalStore) *Authenticator {
	return &Authenticator{store: s}
}

// Authenticate looks up the principal by username and exact-match compares
// the password against the stored SMTP password. It performs no writes.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*store.Principal, error) {
	p, err := a.store.GetPrincipal(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("principal lookup failed", "error", err)
		}
		return nil, ErrInvalidCredentials
	}

	if p.SMTPPassword == "" || p.SMTPPassword != password {
		return nil, ErrInvalidCredentials
	}

	return p, nil
}

// DecodePlain decodes an AUTH PLAIN response into username and password.
// AUTH PLAIN format: base64(authzid\0authcid\0password); the authorization
// identity is ignored.
func DecodePlain(encoded string) (username, password string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	return parts[1], parts[2], nil
}

// DecodeLogin decodes the base64 username and password collected by the
// AUTH LOGIN challenge-response flow.
func DecodeLogin(encodedUser, encodedPass string) (username, password string, err error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 password")
	}

	return string(user), string(pass), nil
}
