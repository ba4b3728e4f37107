package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	db *sql.DB

	ErrNotOpen = errors.New("history database is not open")
)

// Init opens the database and ensures the schema exists.
func Init(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	db, err = sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// Recorder and HTTP readers share one connection; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		command TEXT,
		line TEXT,
		response TEXT,
		command_kind TEXT,
		duration_us INTEGER,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_command_timestamp ON command_log(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func Close() {
	if db != nil {
		db.Close()
		db = nil
	}
}

// Checkpoint forces a WAL checkpoint and truncates the WAL file.
func Checkpoint() error {
	if db == nil {
		return ErrNotOpen
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// CommandRecord is one row of the command history. Timestamp is unix milliseconds.
type CommandRecord struct {
	ID          int64  `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	Kind        string `json:"kind"`
	Command     string `json:"command,omitempty"`
	Line        string `json:"line,omitempty"`
	Response    string `json:"response,omitempty"`
	CommandKind string `json:"commandKind,omitempty"`
	DurationUS  int64  `json:"durationUs"`
	Error       string `json:"error,omitempty"`
}

// InsertCommand writes a record to the DB.
func InsertCommand(r CommandRecord) error {
	if db == nil {
		return ErrNotOpen
	}
	query := `
	INSERT INTO command_log (timestamp, kind, command, line, response, command_kind, duration_us, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(query,
		r.Timestamp, r.Kind, r.Command, r.Line, r.Response, r.CommandKind, r.DurationUS, r.Error,
	)
	return err
}

// GetHistory returns records between start and end (unix ms, inclusive), oldest
// first. A positive limit keeps only the newest limit records.
func GetHistory(start, end int64, limit int) ([]CommandRecord, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, timestamp, kind, command, line, response, command_kind, duration_us, error FROM (
	              SELECT * FROM command_log
	              WHERE timestamp BETWEEN ? AND ?
	              ORDER BY timestamp DESC, id DESC
	              LIMIT ?
	          ) ORDER BY timestamp ASC, id ASC`

	rows, err := db.Query(query, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CommandRecord
	for rows.Next() {
		var r CommandRecord
		var command, line, response, commandKind, errText sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Kind, &command, &line, &response, &commandKind, &duration, &errText); err != nil {
			return nil, err
		}
		r.Command = command.String
		r.Line = line.String
		r.Response = response.String
		r.CommandKind = commandKind.String
		r.DurationUS = duration.Int64
		r.Error = errText.String
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetDistinctDates returns a list of YYYY-MM-DD strings present in the DB.
func GetDistinctDates() ([]string, error) {
	if db == nil {
		return nil, ErrNotOpen
	}
	query := `SELECT DISTINCT date(timestamp / 1000, 'unixepoch', 'localtime') as day FROM command_log ORDER BY day DESC`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			continue
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// PruneOlderThan deletes records with a timestamp (unix ms) before cutoff and
// returns how many were removed.
func PruneOlderThan(cutoff int64) (int64, error) {
	if db == nil {
		return 0, ErrNotOpen
	}
	res, err := db.Exec(`DELETE FROM command_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
