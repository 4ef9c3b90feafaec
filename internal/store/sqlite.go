package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection and a station
	// only ever has one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

const runColumns = `id, serial, bundle, port, status, encrypted, compression,
		       wifi_requested, error_message, start_time, end_time`

// CreateRun inserts a new Run. The caller assigns the ID.
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	const query = `
		INSERT INTO runs (
			id, serial, bundle, port, status, encrypted, compression,
			wifi_requested, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.Serial, run.Bundle, run.Port, run.Status, run.Encrypted,
		run.Compression, run.WifiRequested, run.ErrorMessage, run.StartTime, run.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			serial = ?, bundle = ?, port = ?, status = ?, encrypted = ?,
			compression = ?, wifi_requested = ?, error_message = ?,
			start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Serial, run.Bundle, run.Port, run.Status, run.Encrypted,
		run.Compression, run.WifiRequested, run.ErrorMessage,
		run.StartTime, run.EndTime, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var port, compression, errMsg sql.NullString
	err := sc.Scan(
		&run.ID, &run.Serial, &run.Bundle, &port, &run.Status, &run.Encrypted,
		&compression, &run.WifiRequested, &errMsg, &run.StartTime, &run.EndTime,
	)
	if err != nil {
		return nil, err
	}
	run.Port = port.String
	run.Compression = compression.String
	run.ErrorMessage = errMsg.String
	return run, nil
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves Runs newest first, optionally filtered by serial
func (s *Store) ListRuns(serial string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any

	if serial != "" {
		query += " WHERE serial = ?"
		args = append(args, serial)
	}

	query += " ORDER BY start_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// CountRunsByStatus returns the number of runs per status
func (s *Store) CountRunsByStatus() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// RunEvent Operations
// ============================================================================

// AddEvent appends an event to a run and sets its ID
func (s *Store) AddEvent(ev *RunEvent) error {
	const query = `
		INSERT INTO run_events (run_id, step, status, message, time)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, ev.RunID, ev.Step, ev.Status, ev.Message, ev.Time)
	if err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ev.ID = id
	return nil
}

// ListEvents retrieves the events of a run in insertion order
func (s *Store) ListEvents(runID string) ([]RunEvent, error) {
	const query = `
		SELECT id, run_id, step, status, message, time
		FROM run_events WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var ev RunEvent
		var msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Step, &ev.Status, &msg, &ev.Time); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.Message = msg.String
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}

	return events, nil
}
