package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists step records in a SQLite database so that runs can
// be resumed by a different process.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// OpenSQLiteJournal opens (creating if needed) the journal database at path.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (j *SQLiteJournal) initSchema() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS steps (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		output BLOB NOT NULL,
		committed_at TEXT NOT NULL,
		UNIQUE (run_id, name)
	)`)
	if err != nil {
		return fmt.Errorf("create steps table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *SQLiteJournal) Lookup(ctx context.Context, runID, name string) (Record, bool, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT output, committed_at FROM steps WHERE run_id = ? AND name = ?`,
		runID, name)

	var (
		output      []byte
		committedAt string
	)
	if err := row.Scan(&output, &committedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("lookup step %q: %w", name, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, committedAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse committed_at for step %q: %w", name, err)
	}
	return Record{RunID: runID, Name: name, Output: output, CommittedAt: ts}, true, nil
}

func (j *SQLiteJournal) Commit(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = time.Now()
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, name, output, committed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, name) DO NOTHING`,
		rec.RunID, rec.Name, []byte(rec.Output), rec.CommittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("commit step %q: %w", rec.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit step %q: %w", rec.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %q step %q", ErrStepCommitted, rec.RunID, rec.Name)
	}
	return nil
}

func (j *SQLiteJournal) Records(ctx context.Context, runID string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT name, output, committed_at FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			name        string
			output      []byte
			committedAt string
		)
		if err := rows.Scan(&name, &output, &committedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, committedAt)
		if err != nil {
			return nil, fmt.Errorf("parse committed_at for step %q: %w", name, err)
		}
		out = append(out, Record{RunID: runID, Name: name, Output: output, CommittedAt: ts})
	}
	return out, rows.Err()
}
