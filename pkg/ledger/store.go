package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/calder/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an operation ID has no ledger entry
var ErrNotFound = errors.New("ledger entry not found")

const ledgerDirName = ".mnemo"

// Store is the durable per-workspace record of operations, keyed by
// operation ID. It survives process restarts.
type Store struct {
	db         *sql.DB
	root       string
	stagingDir string
	logger     zerolog.Logger
}

// Open opens (creating if necessary) the ledger for a workspace root.
// The database lives at <root>/.mnemo/ledger.db, payload artifacts under
// <root>/.mnemo/staging/.
func Open(workspacePath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if workspacePath == "" {
		return nil, errors.New("workspace path is required")
	}

	dir := filepath.Join(workspacePath, ledgerDirName)
	stagingDir := filepath.Join(dir, "staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:         db,
		root:       workspacePath,
		stagingDir: stagingDir,
		logger:     logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	s.logger.Debug().Str("workspace", workspacePath).Msg("Ledger opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			operation_id TEXT PRIMARY KEY,
			dataset_path TEXT NOT NULL,
			payload_digest TEXT NOT NULL DEFAULT '',
			payload_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pid INTEGER,
			queue_index INTEGER,
			start_time TEXT NOT NULL,
			last_update TEXT NOT NULL,
			duration_ms INTEGER,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
		CREATE INDEX IF NOT EXISTS idx_operations_update ON operations(last_update);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StagingDir returns the payload artifact directory
func (s *Store) StagingDir() string {
	return s.stagingDir
}

// Put inserts or replaces an entry. LastUpdate is set by the caller so a
// full read-modify-write stays one logical transition.
func (s *Store) Put(e *Entry) error {
	if e.OperationID == "" {
		return errors.New("operation ID is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}

	start := time.Now()
	defer observability.RecordLedgerWrite(time.Since(start))

	var pid, queueIndex, durationMs any
	if e.PID != nil {
		pid = *e.PID
	}
	if e.QueueIndex != nil {
		queueIndex = *e.QueueIndex
	}
	if e.DurationMs != nil {
		durationMs = *e.DurationMs
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO operations
			(operation_id, dataset_path, payload_digest, payload_ref, status,
			 pid, queue_index, start_time, last_update, duration_ms, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OperationID, e.DatasetPath, e.PayloadDigest, e.PayloadRef, string(e.Status),
		pid, queueIndex,
		e.StartTime.UTC().Format(time.RFC3339Nano),
		e.LastUpdate.UTC().Format(time.RFC3339Nano),
		durationMs, e.Error, e.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to persist entry %s: %w", e.OperationID, err)
	}
	return nil
}

// Get returns the entry for an operation ID, or ErrNotFound
func (s *Store) Get(operationID string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT operation_id, dataset_path, payload_digest, payload_ref, status,
		       pid, queue_index, start_time, last_update, duration_ms, error, retry_count
		FROM operations WHERE operation_id = ?`, operationID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns all entries ordered by start time ascending
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT operation_id, dataset_path, payload_digest, payload_ref, status,
		       pid, queue_index, start_time, last_update, duration_ms, error, retry_count
		FROM operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (s *Store) Delete(operationID string) error {
	_, err := s.db.Exec("DELETE FROM operations WHERE operation_id = ?", operationID)
	return err
}

// Clear removes every entry and artifact for the workspace
func (s *Store) Clear() (int, error) {
	res, err := s.db.Exec("DELETE FROM operations")
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()

	files, err := os.ReadDir(s.stagingDir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list staging artifacts during clear")
		return int(removed), nil
	}
	for _, f := range files {
		if err := os.Remove(filepath.Join(s.stagingDir, f.Name())); err != nil {
			s.logger.Warn().Err(err).Str("artifact", f.Name()).Msg("Failed to remove staging artifact")
		}
	}

	s.logger.Info().Int64("removed", removed).Msg("Ledger cleared")
	return int(removed), nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		status     string
		pid        sql.NullInt64
		queueIndex sql.NullInt64
		durationMs sql.NullInt64
		startTime  string
		lastUpdate string
	)

	err := row.Scan(
		&e.OperationID, &e.DatasetPath, &e.PayloadDigest, &e.PayloadRef, &status,
		&pid, &queueIndex, &startTime, &lastUpdate, &durationMs, &e.Error, &e.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if pid.Valid {
		v := int(pid.Int64)
		e.PID = &v
	}
	if queueIndex.Valid {
		v := int(queueIndex.Int64)
		e.QueueIndex = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		e.DurationMs = &v
	}

	if e.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return nil, fmt.Errorf("corrupt start_time for %s: %w", e.OperationID, err)
	}
	if e.LastUpdate, err = time.Parse(time.RFC3339Nano, lastUpdate); err != nil {
		return nil, fmt.Errorf("corrupt last_update for %s: %w", e.OperationID, err)
	}

	return &e, nil
}
