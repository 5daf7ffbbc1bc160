// ABOUTME: SQLite implementation of root authority persistence using modernc.org/sqlite
// ABOUTME: Creates the full schema and provides shared scan/convert helpers

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements root authority persistence using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id                TEXT PRIMARY KEY,
			role              TEXT NOT NULL,
			subnet_id         TEXT NOT NULL,
			scopes            TEXT NOT NULL,
			aliases           TEXT NOT NULL,
			capabilities      TEXT NOT NULL,
			public_key_pem    TEXT,
			jwk_thumbprint    TEXT,
			revoked           INTEGER NOT NULL DEFAULT 0,
			revoked_reason    TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (role IN ('OWNER_CONTROLLER', 'HUB', 'MEMBER', 'BROWSER_IO'))
		);

		CREATE INDEX IF NOT EXISTS idx_devices_subnet ON devices(subnet_id);
		CREATE INDEX IF NOT EXISTS idx_devices_subnet_role ON devices(subnet_id, role);
		CREATE INDEX IF NOT EXISTS idx_devices_revoked ON devices(revoked);

		CREATE TABLE IF NOT EXISTS consents (
			id               TEXT PRIMARY KEY,
			consent_type     TEXT NOT NULL,
			requester_id     TEXT NOT NULL,
			subnet_id        TEXT NOT NULL,
			scopes_requested TEXT NOT NULL,
			status           TEXT NOT NULL,
			resolved_by      TEXT,
			granted_scopes   TEXT,
			created_at       TEXT NOT NULL,
			expires_at       TEXT NOT NULL,

			CHECK (consent_type IN ('DEVICE', 'CSR')),
			CHECK (status IN ('PENDING', 'APPROVED', 'DENIED', 'EXPIRED'))
		);

		CREATE INDEX IF NOT EXISTS idx_consents_subnet_status ON consents(subnet_id, status);
		CREATE INDEX IF NOT EXISTS idx_consents_expires ON consents(expires_at);

		CREATE TABLE IF NOT EXISTS device_codes (
			id             TEXT PRIMARY KEY,
			device_code    TEXT UNIQUE NOT NULL,
			user_code      TEXT UNIQUE NOT NULL,
			subnet_id      TEXT NOT NULL,
			role           TEXT NOT NULL,
			scopes         TEXT NOT NULL,
			jwk_thumbprint TEXT,
			ip_hash        TEXT,
			ua_hash        TEXT,
			origin_hash    TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',
			consent_id     TEXT,
			device_id      TEXT,
			created_at     TEXT NOT NULL,
			expires_at     TEXT NOT NULL,

			CHECK (status IN ('pending', 'confirmed', 'denied', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_device_codes_user_code ON device_codes(user_code);
		CREATE INDEX IF NOT EXISTS idx_device_codes_expires ON device_codes(expires_at);

		CREATE TABLE IF NOT EXISTS qr_sessions (
			id             TEXT PRIMARY KEY,
			qr_token       TEXT UNIQUE NOT NULL,
			scopes         TEXT NOT NULL,
			granted_scopes TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',
			approved_by    TEXT,
			device_id      TEXT,
			created_at     TEXT NOT NULL,
			expires_at     TEXT NOT NULL,

			CHECK (status IN ('pending', 'approved', 'completed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_qr_sessions_expires ON qr_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS csr_requests (
			consent_id TEXT PRIMARY KEY,
			node_id    TEXT UNIQUE NOT NULL,
			csr_pem    TEXT NOT NULL,
			role       TEXT NOT NULL,
			subnet_id  TEXT NOT NULL,
			scopes     TEXT NOT NULL,
			cert_pem   TEXT,
			chain_pem  TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS hub_channels (
			node_id    TEXT NOT NULL,
			token      TEXT NOT NULL,
			subnet_id  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			rotated_at TEXT,
			revoked    INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (node_id, token)
		);

		CREATE INDEX IF NOT EXISTS idx_hub_channels_expires ON hub_channels(expires_at);
		CREATE INDEX IF NOT EXISTS idx_hub_channels_node ON hub_channels(node_id, revoked);

		CREATE TABLE IF NOT EXISTS idempotency_cache (
			idempotency_key TEXT NOT NULL,
			method          TEXT NOT NULL,
			path            TEXT NOT NULL,
			principal_id    TEXT NOT NULL,
			body_hash       TEXT NOT NULL,
			response_json   TEXT,
			status_code     INTEGER NOT NULL DEFAULT 0,
			headers_json    TEXT,
			created_at      TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			event_id        TEXT NOT NULL,
			server_time_utc TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_tuple
			ON idempotency_cache(idempotency_key, method, path, principal_id, body_hash);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_cache(expires_at);

		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			trace_id   TEXT NOT NULL,
			subnet_id  TEXT NOT NULL,
			actor_id   TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			action     TEXT NOT NULL,
			acl        TEXT NOT NULL,
			ttl        INTEGER NOT NULL,
			payload    TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_subnet ON audit_events(subnet_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp in the canonical stored form.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}
