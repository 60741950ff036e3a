// Package token resolves a currently-valid Graph access token per principal,
// refreshing through the principal's app registration when needed.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/relaykit/graph-relay/internal/registry"
	"github.com/relaykit/graph-relay/internal/store"
)

// expirySkew is the minimum remaining validity required to reuse a stored
// access token. Tokens closer to expiry than this are refreshed before use.
const expirySkew = 5 * time.Minute

// refreshTimeout bounds a single refresh call against the token endpoint.
const refreshTimeout = 30 * time.Second

// ErrReauthRequired is returned when the refresh token itself is invalid or
// expired. This is terminal for the principal until the external
// authorization flow is re-run; it is never retried automatically.
var ErrReauthRequired = errors.New("refresh token rejected, re-authorization required")

// CredentialStore is the subset of the store the manager needs.
type CredentialStore interface {
	GetPrincipal(ctx context.Context, email string) (*store.Principal, error)
	SaveCredentialSet(ctx context.Context, email, appID string, cs store.CredentialSet) (*store.Principal, error)
}

// Manager resolves access tokens with per-principal single-flight refresh:
// concurrent callers for the same principal share one upstream call, because
// the identity provider may invalidate a refresh token on first use.
type Manager struct {
	store    CredentialStore
	registry *registry.Registry
	group    singleflight.Group

	// client overrides the HTTP client used for token endpoint calls.
	// Nil means http.DefaultClient. Used in tests.
	client *http.Client

	// now allows tests to control the clock.
	now func() time.Time
}

// NewManager creates a Manager backed by the given store and registry.
func NewManager(s CredentialStore, r *registry.Registry) *Manager {
	return &Manager{
		store:    s,
		registry: r,
		now:      time.Now,
	}
}

// Resolve returns an access token for the principal with at least the skew
// window of remaining validity, refreshing and persisting a new credential
// set if necessary.
func (m *Manager) Resolve(ctx context.Context, p *store.Principal) (string, error) {
	if m.usable(p.Credentials) {
		return p.Credentials.AccessToken, nil
	}

	v, err, _ := m.group.Do(p.Email, func() (interface{}, error) {
		return m.refresh(ctx, p.Email)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// usable reports whether the stored access token still has more than the
// skew window of validity remaining.
func (m *Manager) usable(cs store.CredentialSet) bool {
	return cs.AccessToken != "" && cs.ExpiresAt.Sub(m.now()) > expirySkew
}

// refresh re-reads the principal, refreshes its credential set through the
// token endpoint, and persists the result. Re-reading first means a caller
// that lost the single-flight race picks up the already-refreshed set
// without another upstream call.
func (m *Manager) refresh(ctx context.Context, email string) (string, error) {
	// Detach from the winning caller's cancellation: other callers share
	// this result and must not fail because the first client went away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	p, err := m.store.GetPrincipal(ctx, email)
	if err != nil {
		return "", fmt.Errorf("reloading principal: %w", err)
	}
	if m.usable(p.Credentials) {
		return p.Credentials.AccessToken, nil
	}
	if p.Credentials.RefreshToken == "" {
		return "", ErrReauthRequired
	}

	app, err := m.registry.Lookup(p.AppID)
	if err != nil {
		return "", err
	}

	if m.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	}

	ts := app.OAuthConfig("").TokenSource(ctx, &oauth2.Token{
		RefreshToken: p.Credentials.RefreshToken,
	})
	tok, err := ts.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			slog.Warn("refresh token rejected", "principal", email)
			return "", fmt.Errorf("%w: %s", ErrReauthRequired, retrieveErr.ErrorCode)
		}
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	cs := FromOAuth2Token(tok)
	if cs.RefreshToken == "" {
		// Some providers omit the refresh token when it is unchanged.
		cs.RefreshToken = p.Credentials.RefreshToken
	}

	if _, err := m.store.SaveCredentialSet(ctx, email, p.AppID, cs); err != nil {
		return "", fmt.Errorf("persisting refreshed credentials: %w", err)
	}

	slog.Info("refreshed access token",
		"principal", email,
		"expires_at", cs.ExpiresAt,
	)
	return cs.AccessToken, nil
}

// FromOAuth2Token converts an oauth2 token into the stored credential shape.
func FromOAuth2Token(tok *oauth2.Token) store.CredentialSet {
	scope, _ := tok.Extra("scope").(string)
	return store.CredentialSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
	}
}
