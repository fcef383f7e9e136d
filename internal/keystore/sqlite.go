// ABOUTME: SQLite implementation of the Keystore using modernc.org/sqlite
// ABOUTME: Stores only sealed blobs with automatic schema creation

package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKeystore implements Keystore on a local SQLite database. Blobs
// are sealed before insertion; the database never sees plaintext.
type SQLiteKeystore struct {
	db     *sql.DB
	sealer *sealer
	logger *slog.Logger
}

// NewSQLite opens (or creates) the keystore at path. The schema is
// created if it doesn't exist. Parent directories are created if needed.
func NewSQLite(path string, masterKey []byte, logger *slog.Logger) (*SQLiteKeystore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "keystore")

	sl, err := newSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("initializing sealer: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent readers cheap
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	k := &SQLiteKeystore{
		db:     db,
		sealer: sl,
		logger: logger,
	}

	if err := k.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("keystore initialized", "path", path)
	return k, nil
}

func (k *SQLiteKeystore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			agent_id   TEXT PRIMARY KEY,
			sealed     BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := k.db.Exec(schema)
	return err
}

// SetItem seals and stores blob for agentID, replacing any previous row.
func (k *SQLiteKeystore) SetItem(ctx context.Context, agentID string, blob []byte) error {
	sealed, err := k.sealer.seal(agentID, blob)
	if err != nil {
		return fmt.Errorf("sealing item: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO credentials (agent_id, sealed, updated_at)
		VALUES (?, ?, ?)
	`
	_, err = k.db.ExecContext(ctx, query,
		agentID,
		sealed,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}

	k.logger.Debug("stored credential", "agent_id", agentID)
	return nil
}

// GetItem fetches and unseals the blob for agentID.
// Returns ErrNotFound if the agent has no stored credential.
func (k *SQLiteKeystore) GetItem(ctx context.Context, agentID string) ([]byte, error) {
	query := `SELECT sealed FROM credentials WHERE agent_id = ?`

	var sealed []byte
	err := k.db.QueryRowContext(ctx, query, agentID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying item: %w", err)
	}

	blob, err := k.sealer.open(agentID, sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing item for %s: %w", agentID, err)
	}
	return blob, nil
}

// RemoveItem deletes the row for agentID.
// Returns ErrNotFound if nothing was stored.
func (k *SQLiteKeystore) RemoveItem(ctx context.Context, agentID string) error {
	result, err := k.db.ExecContext(ctx, `DELETE FROM credentials WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	k.logger.Debug("removed credential", "agent_id", agentID)
	return nil
}

// Close closes the database connection.
func (k *SQLiteKeystore) Close() error {
	return k.db.Close()
}

var _ Keystore = (*SQLiteKeystore)(nil)
