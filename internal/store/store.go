// Package store persists relay principals and their OAuth credential sets
// in a local SQLite database.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no principal exists for an identity.
var ErrNotFound = errors.New("principal not found")

// CredentialSet is the OAuth token bundle for a principal. ExpiresAt is the
// absolute instant computed at acquisition (now + expires_in).
type CredentialSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Principal is an identity permitted to relay mail. The identity is the
// email address; the SMTP password is generated here at first authorization.
type Principal struct {
	Email        string
	SMTPPassword string
	AppID        string
	Credentials  CredentialSet
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// principalRow is the raw SQLite row shape.
type principalRow struct {
	Email        string    `db:"email"`
	SMTPPassword string    `db:"smtp_password"`
	AppID        string    `db:"app_id"`
	Credentials  string    `db:"credentials"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Store is a SQLite-backed principal store safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// migration is a single versioned schema change.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS principals (
				email TEXT NOT NULL PRIMARY KEY,
				smtp_password TEXT NOT NULL,
				app_id TEXT NOT NULL,
				credentials TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER NOT NULL PRIMARY KEY
			);
			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// Open opens (or creates) the SQLite database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetPrincipal looks up a principal by email. Returns ErrNotFound if the
// identity has never completed the authorization flow.
func (s *Store) GetPrincipal(ctx context.Context, email string) (*Principal, error) {
	var row principalRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM principals WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	return row.toPrincipal()
}

// SaveCredentialSet inserts or updates the credential set for an identity.
// A new principal gets a freshly generated SMTP password; an update leaves
// the existing password untouched. Returns the stored principal.
func (s *Store) SaveCredentialSet(ctx context.Context, email, appID string, cs CredentialSet) (*Principal, error) {
	creds, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encoding credential set: %w", err)
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	const query = `
		INSERT INTO principals (email, smtp_password, app_id, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			app_id = excluded.app_id,
			credentials = excluded.credentials,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, email, password, appID, string(creds), now, now); err != nil {
		return nil, fmt.Errorf("saving credential set: %w", err)
	}

	return s.GetPrincipal(ctx, email)
}

// ResetSMTPPassword generates and stores a new SMTP password for an existing
// principal, returning the updated principal.
func (s *Store) ResetSMTPPassword(ctx context.Context, email string) (*Principal, error) {
	password, err := generatePassword()
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE principals SET smtp_password = ?, updated_at = ? WHERE email = ?",
		password, time.Now().UTC(), email,
	)
	if err != nil {
		return nil, fmt.Errorf("resetting smtp password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}

	return s.GetPrincipal(ctx, email)
}

// toPrincipal decodes the JSON credential column into the exported model.
func (r *principalRow) toPrincipal() (*Principal, error) {
	var cs CredentialSet
	if err := json.Unmarshal([]byte(r.Credentials), &cs); err != nil {
		return nil, fmt.Errorf("decoding credential set: %w", err)
	}
	return &Principal{
		Email:        r.Email,
		SMTPPassword: r.SMTPPassword,
		AppID:        r.AppID,
		Credentials:  cs,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// generatePassword returns a 32-character hex password from 16 random bytes.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating smtp password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
