// Package registry resolves OAuth app registrations by their stored id.
package registry

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// ErrUnknownApp is returned when a principal references a registration id
// that is not configured.
var ErrUnknownApp = errors.New("unknown app registration")

// scopes requested for every registration. offline_access is required to
// receive a refresh token.
var scopes = []string{"https://graph.microsoft.com/.default", "offline_access"}

// App is one OAuth app registration. A refresh must use the same
// registration that issued the original credential set.
type App struct {
	ID           string
	TenantID     string
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL override the Microsoft identity platform
	// endpoints for the tenant. Used in tests.
	AuthURL  string
	TokenURL string
}

// OAuthConfig builds the oauth2 client configuration for this registration.
func (a App) OAuthConfig(redirectURL string) *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(a.TenantID)
	// The identity platform accepts client credentials in the request body.
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if a.AuthURL != "" {
		endpoint.AuthURL = a.AuthURL
	}
	if a.TokenURL != "" {
		endpoint.TokenURL = a.TokenURL
	}
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// Registry is an immutable keyed lookup of app registrations.
type Registry struct {
	apps      map[string]App
	defaultID string
}

// New builds a Registry from the configured registrations. The first
// registration is the default used for new authorizations.
func New(apps []App) (*Registry, error) {
	if len(apps) == 0 {
		return nil, errors.New("no app registrations")
	}

	m := make(map[string]App, len(apps))
	for _, app := range apps {
		if _, ok := m[app.ID]; ok {
			return nil, fmt.Errorf("duplicate app registration id %q", app.ID)
		}
		m[app.ID] = app
	}

	return &Registry{apps: m, defaultID: apps[0].ID}, nil
}

// Lookup resolves a registration by id. Unknown ids, including the empty
// id, are an error, never a silent fallback; callers wanting the default
// registration ask for it explicitly via Default.
func (r *Registry) Lookup(id string) (App, error) {
	app, ok := r.apps[id]
	if !ok {
		return App{}, fmt.Errorf("%w: %q", ErrUnknownApp, id)
	}
	return app, nil
}

// Default returns the registration used for new authorizations.
func (r *Registry) Default() App {
	return r.apps[r.defaultID]
}
