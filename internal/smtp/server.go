// Package smtp implements the submission server: TLS, AUTH against stored
// principals, and per-DATA relay through the downstream forwarder.
package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaykit/graph-relay/internal/auth"
	"github.com/relaykit/graph-relay/internal/dedup"
	"github.com/relaykit/graph-relay/internal/email"
	"github.com/relaykit/graph-relay/internal/store"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// TokenResolver yields a currently-valid access token for a principal.
type TokenResolver interface {
	Resolve(ctx context.Context, p *store.Principal) (string, error)
}

// Forwarder issues the authenticated downstream send call.
type Forwarder interface {
	SendMail(ctx context.Context, accessToken string, msg *email.Email) error
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":587").
	ListenAddr string

	// Hostname is the server hostname used in EHLO responses.
	Hostname string

	// Authenticator validates AUTH credentials against the principal store.
	Authenticator *auth.Authenticator

	// Tokens resolves access tokens for authenticated principals.
	Tokens TokenResolver

	// Dedup suppresses repeated Message-IDs within its window.
	Dedup *dedup.Suppressor

	// Forwarder delivers parsed messages downstream.
	Forwarder Forwarder

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// MaxMessageSize caps the DATA payload in bytes.
	MaxMessageSize int64
}

// Server is an SMTP submission server that relays authenticated mail
// through the configured Forwarder.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Server{config: cfg}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting new connections and waits
// up to shutdownTimeout for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.config).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
