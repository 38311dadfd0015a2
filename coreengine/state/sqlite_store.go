package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/logging"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteFileName is the database file created under the runtime root.
const SQLiteFileName = "state.db"

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps snapshots in a single SQLite database.
// Envelope files still live in per-key run directories.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logging.Logger
}

// OpenSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), fsutil.DirPerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite supports a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("sqlite_store_opened", "path", path)
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) location(key string) string {
	return s.path + "#" + key
}

// Save upserts the snapshot in a transaction.
func (s *SQLiteStore) Save(ctx context.Context, key string, snap *Snapshot) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save state %q: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, string(data), snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save state %q: commit: %w", key, err)
	}

	s.logger.Debug("state_saved",
		"key", key,
		"backend", "sqlite",
		"checkpoint_label", snap.CheckpointLabel,
		"phase_index", snap.PhaseIndex,
	)
	return nil
}

// Load reads and validates the snapshot for key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStateNotFoundError(key, s.location(key))
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	return Decode([]byte(body), key, s.location(key))
}

// Delete removes the snapshot. Deleting a missing snapshot succeeds.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	s.logger.Debug("state_deleted", "key", key, "backend", "sqlite")
	return nil
}

// Exists reports whether a snapshot row is present for key.
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check state %q: %w", key, err)
	}
	return n > 0, nil
}

// List returns every key with a snapshot row and when it was last saved.
func (s *SQLiteStore) List(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, updated_at FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]time.Time)
	for rows.Next() {
		var key, updated string
		if err := rows.Scan(&key, &updated); err != nil {
			return nil, fmt.Errorf("list state: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			s.logger.Warn("state_timestamp_invalid", "key", key, "updated_at", updated)
			at = time.Time{}
		}
		keys[key] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	return keys, nil
}

// Ensure SQLiteStore implements Store and Lister.
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Lister = (*SQLiteStore)(nil)
)
