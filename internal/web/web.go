// Package web serves the OAuth consent flow and the credential pages:
// authorize, view the generated SMTP password, and reset it.
package web

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaykit/graph-relay/internal/auth"
	"github.com/relaykit/graph-relay/internal/registry"
	"github.com/relaykit/graph-relay/internal/store"
	"github.com/relaykit/graph-relay/internal/token"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// CredentialStore is the subset of the store the web flow needs.
type CredentialStore interface {
	SaveCredentialSet(ctx context.Context, email, appID string, cs store.CredentialSet) (*store.Principal, error)
	ResetSMTPPassword(ctx context.Context, email string) (*store.Principal, error)
}

// IdentityClient resolves the identity owning an access token.
type IdentityClient interface {
	Me(ctx context.Context, accessToken string) (string, error)
}

// Config holds the web server configuration.
type Config struct {
	ListenAddr string
	BaseURL    string

	Store         CredentialStore
	Authenticator *auth.Authenticator
	Registry      *registry.Registry
	Identity      IdentityClient
}

// Server handles the consent and credential pages.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New creates the web server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/auth", s.handleAuthorize)
	s.mux.HandleFunc("/auth/callback", s.handleCallback)
	s.mux.HandleFunc("/reset", s.handleReset)
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("web server shutdown", "error", err)
		}
	}()

	slog.Info("web server listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// redirectURL is the OAuth redirect registered with the identity platform.
func (s *Server) redirectURL() string {
	return s.cfg.BaseURL + "/auth/callback"
}

// handleIndex shows a link into the consent flow.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	render(w, indexTemplate, nil)
}

// handleAuthorize redirects to the identity platform consent page. The app
// registration id rides in the OAuth state parameter so the callback can
// bind the credentials to the right registration.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	app := s.cfg.Registry.Default()
	if id := r.URL.Query().Get("app"); id != "" {
		var err error
		if app, err = s.cfg.Registry.Lookup(id); err != nil {
			http.Error(w, "unknown app registration", http.StatusBadRequest)
			return
		}
	}

	conf := app.OAuthConfig(s.redirectURL())
	http.Redirect(w, r, conf.AuthCodeURL(app.ID, oauth2.SetAuthURLParam("prompt", "select_account")), http.StatusFound)
}

// handleCallback exchanges the authorization code, resolves the identity
// behind the new token, and persists the credential set. A brand-new
// principal gets a generated SMTP password, shown once here.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.FormValue("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	app, err := s.cfg.Registry.Lookup(r.FormValue("state"))
	if err != nil {
		http.Error(w, "unknown app registration", http.StatusBadRequest)
		return
	}

	tok, err := app.OAuthConfig(s.redirectURL()).Exchange(ctx, code)
	if err != nil {
		slog.Error("authorization code exchange failed", "error", err)
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	email, err := s.cfg.Identity.Me(ctx, tok.AccessToken)
	if err != nil {
		slog.Error("identity lookup failed", "error", err)
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	principal, err := s.cfg.Store.SaveCredentialSet(ctx, email, app.ID, token.FromOAuth2Token(tok))
	if err != nil {
		slog.Error("failed to persist credentials", "principal", email, "error", err)
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	slog.Info("principal authorized", "principal", email, "app", app.ID)
	render(w, credentialsTemplate, credentialsView{
		Email:        principal.Email,
		SMTPPassword: principal.SMTPPassword,
	})
}

// handleReset regenerates the SMTP password. The current password must be
// presented, so only someone already holding the credentials can rotate them.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	email := r.FormValue("email")
	password := r.FormValue("password")

	if _, err := s.cfg.Authenticator.Authenticate(ctx, email, password); err != nil {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	principal, err := s.cfg.Store.ResetSMTPPassword(ctx, email)
	if err != nil {
		slog.Error("password reset failed", "principal", email, "error", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}

	slog.Info("smtp password reset", "principal", email)
	render(w, credentialsTemplate, credentialsView{
		Email:        principal.Email,
		SMTPPassword: principal.SMTPPassword,
	})
}

// credentialsView is the data shown after authorization or reset.
type credentialsView struct {
	Email        string
	SMTPPassword string
}

func render(w http.ResponseWriter, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		slog.Error("template render failed", "error", err)
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>graph-relay</title></head>
<body>
<h1>graph-relay</h1>
<p>Connect your mailbox to obtain SMTP credentials for this relay.</p>
<p><a href="/auth">Sign in with Microsoft</a></p>
</body>
</html>
`))

var credentialsTemplate = template.Must(template.New("credentials").Parse(`<!DOCTYPE html>
<html>
<head><title>graph-relay credentials</title></head>
<body>
<h1>SMTP credentials</h1>
<p>Configure your mail client's outgoing server with:</p>
<ul>
<li>Username: <code>{{.Email}}</code></li>
<li>Password: <code>{{.SMTPPassword}}</code></li>
</ul>
<p>This password is only shown here. Reset it at any time:</p>
<form method="post" action="/reset">
<input type="hidden" name="email" value="{{.Email}}">
<label>Current password: <input type="password" name="password"></label>
<button type="submit">Reset password</button>
</form>
</body>
</html>
`))
