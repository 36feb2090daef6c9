package querypilot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// PersistenceStore is the boundary for durable state: the history ledger
// and the ML training buffer. Failures are best-effort by policy — the
// engine starts empty when a load fails and logs failed saves.
type PersistenceStore interface {
	LoadHistory(ctx context.Context) ([]*OptimizationHistoryEntry, error)
	SaveHistory(ctx context.Context, entries []*OptimizationHistoryEntry) error
	LoadTrainingData(ctx context.Context) ([]MLTrainingEntry, error)
	SaveTrainingData(ctx context.Context, entries []MLTrainingEntry) error
	Close() error
}

// SQLiteStoreConfig configures the SQLite persistence store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int

	// JournalMode sets the SQLite journal mode.
	JournalMode string
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:        "querypilot.db",
		BusyTimeout: 5000,
		JournalMode: "WAL",
	}
}

// SQLiteStore persists engine state in a local SQLite file, so the ledger
// and training buffer survive restarts and remain inspectable with
// standard SQLite tools.
type SQLiteStore struct {
	config SQLiteStoreConfig
	db     *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config = DefaultSQLiteStoreConfig()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)",
		config.Path, config.BusyTimeout, config.JournalMode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	store := &SQLiteStore{config: config, db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS optimization_history (
		id TEXT PRIMARY KEY,
		recorded_at INTEGER NOT NULL,
		entry TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_recorded_at ON optimization_history (recorded_at);

	CREATE TABLE IF NOT EXISTS training_data (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at INTEGER NOT NULL,
		entry TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// LoadHistory reads all persisted ledger entries, most recent first.
func (s *SQLiteStore) LoadHistory(ctx context.Context) ([]*OptimizationHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM optimization_history ORDER BY recorded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	entries := make([]*OptimizationHistoryEntry, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var entry OptimizationHistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Corrupt rows are skipped, not fatal.
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// SaveHistory replaces the persisted ledger with the given entries.
func (s *SQLiteStore) SaveHistory(ctx context.Context, entries []*OptimizationHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM optimization_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO optimization_history (id, recorded_at, entry) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, entry.ID, entry.Timestamp.UnixNano(), string(raw)); err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTrainingData reads the persisted training buffer, oldest first.
func (s *SQLiteStore) LoadTrainingData(ctx context.Context) ([]MLTrainingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM training_data ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}
	defer rows.Close()

	entries := make([]MLTrainingEntry, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan training row: %w", err)
		}
		var entry MLTrainingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveTrainingData replaces the persisted training buffer.
func (s *SQLiteStore) SaveTrainingData(ctx context.Context, entries []MLTrainingEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save training data: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM training_data`); err != nil {
		return fmt.Errorf("clear training data: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO training_data (recorded_at, entry) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, ts.UnixNano(), string(raw)); err != nil {
			return fmt.Errorf("insert training entry: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
