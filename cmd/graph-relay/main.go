// Package main is the entry point for the SMTP to Microsoft Graph relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaykit/graph-relay/internal/auth"
	"github.com/relaykit/graph-relay/internal/config"
	"github.com/relaykit/graph-relay/internal/dedup"
	"github.com/relaykit/graph-relay/internal/graph"
	"github.com/relaykit/graph-relay/internal/registry"
	"github.com/relaykit/graph-relay/internal/smtp"
	"github.com/relaykit/graph-relay/internal/store"
	smtptls "github.com/relaykit/graph-relay/internal/tls"
	"github.com/relaykit/graph-relay/internal/token"
	"github.com/relaykit/graph-relay/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Open the credential store
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open credential store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Build the app registration registry
	reg, err := registry.New(appsFromConfig(cfg.Apps))
	if err != nil {
		slog.Error("failed to build app registry", "error", err)
		os.Exit(1)
	}

	// Load TLS certificates when material is supplied
	tlsConfig, err := smtptls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.SelfSigned)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	graphClient := graph.NewClient(graph.DefaultBaseURL, nil)
	authenticator := auth.New(st)
	tokens := token.NewManager(st, reg)
	suppressor := dedup.New(time.Duration(cfg.Dedup.TTLSeconds) * time.Second)

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Authenticator:  authenticator,
		Tokens:         tokens,
		Dedup:          suppressor,
		Forwarder:      graphClient,
		TLSConfig:      tlsConfig,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	webServer := web.New(web.Config{
		ListenAddr:    cfg.Web.Listen,
		BaseURL:       cfg.Web.BaseURL,
		Store:         st,
		Authenticator: authenticator,
		Registry:      reg,
		Identity:      graphClient,
	})

	slog.Info("starting graph-relay",
		"smtp_listen", cfg.SMTP.Listen,
		"web_listen", cfg.Web.Listen,
		"apps", len(cfg.Apps),
		"tls_enabled", tlsConfig != nil,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := webServer.ListenAndServe(ctx); err != nil {
			slog.Error("web server error", "error", err)
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		if err := smtpServer.ListenAndServe(ctx); err != nil {
			slog.Error("smtp server error", "error", err)
			cancel()
		}
	}()

	wg.Wait()
	slog.Info("graph-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// appsFromConfig maps configured registrations onto the registry model.
func appsFromConfig(apps []config.AppConfig) []registry.App {
	result := make([]registry.App, 0, len(apps))
	for _, a := range apps {
		result = append(result, registry.App{
			ID:           a.ID,
			TenantID:     a.TenantID,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			AuthURL:      a.AuthURL,
			TokenURL:     a.TokenURL,
		})
	}
	return result
}
