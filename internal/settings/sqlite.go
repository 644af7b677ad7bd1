package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	defaultBusyTimeoutMs = 5000
	modeKey              = "approval_mode"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS whitelist (
		id          TEXT PRIMARY KEY,
		server_name TEXT NOT NULL DEFAULT '',
		tool_name   TEXT NOT NULL,
		identifier  TEXT NOT NULL UNIQUE,
		created_at  TEXT NOT NULL
	)`,
}

// SQLiteStore keeps settings in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (and migrates) the database at path.
// The database runs in WAL mode with a single connection.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the mode and the whitelist ordered by creation time.
func (s *SQLiteStore) Load(ctx context.Context) (Settings, error) {
	out := Settings{Mode: DefaultMode, Whitelist: []WhitelistEntry{}}

	var rawMode string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, modeKey).Scan(&rawMode)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Settings{}, fmt.Errorf("sqlite: read mode: %w", err)
	default:
		out.Mode = normalizeMode(Mode(rawMode))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_name, tool_name, created_at FROM whitelist ORDER BY created_at, id`)
	if err != nil {
		return Settings{}, fmt.Errorf("sqlite: read whitelist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry     WhitelistEntry
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.ServerName, &entry.ToolName, &createdAt); err != nil {
			return Settings{}, fmt.Errorf("sqlite: scan whitelist: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out.Whitelist = append(out.Whitelist, entry)
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("sqlite: iterate whitelist: %w", err)
	}
	return out, nil
}

// SetMode persists a new approval mode.
func (s *SQLiteStore) SetMode(ctx context.Context, mode Mode) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		modeKey, string(parsed))
	if err != nil {
		return fmt.Errorf("sqlite: write mode: %w", err)
	}
	return nil
}

// AddWhitelistEntry inserts an entry unless the identifier already exists.
func (s *SQLiteStore) AddWhitelistEntry(ctx context.Context, serverName, toolName string) (WhitelistEntry, error) {
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return WhitelistEntry{}, fmt.Errorf("tool_name is required")
	}
	entry := WhitelistEntry{
		ID:         uuid.NewString(),
		ServerName: strings.TrimSpace(serverName),
		ToolName:   toolName,
		CreatedAt:  s.now().UTC(),
	}
	identifier := strings.ToLower(entry.Identifier())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist (id, server_name, tool_name, identifier, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identifier) DO NOTHING`,
		entry.ID, entry.ServerName, entry.ToolName, identifier, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return WhitelistEntry{}, fmt.Errorf("sqlite: insert whitelist: %w", err)
	}

	var (
		stored    WhitelistEntry
		createdAt string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, server_name, tool_name, created_at FROM whitelist WHERE identifier = ?`, identifier).
		Scan(&stored.ID, &stored.ServerName, &stored.ToolName, &createdAt)
	if err != nil {
		return WhitelistEntry{}, fmt.Errorf("sqlite: read whitelist entry: %w", err)
	}
	stored.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return stored, nil
}

// RemoveWhitelistEntry deletes the entry with the given id.
func (s *SQLiteStore) RemoveWhitelistEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("sqlite: delete whitelist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete whitelist: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}
