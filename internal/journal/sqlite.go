package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"device-simulator/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS command_journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT    NOT NULL,
	session_id TEXT    NOT NULL,
	remote     TEXT    NOT NULL DEFAULT '',
	device     TEXT    NOT NULL,
	port       INTEGER NOT NULL,
	line       TEXT    NOT NULL,
	operation  TEXT    NOT NULL DEFAULT 'none',
	output     TEXT    NOT NULL DEFAULT '',
	error_kind TEXT    NOT NULL DEFAULT '',
	error      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_command_journal_port ON command_journal(port, timestamp);
CREATE INDEX IF NOT EXISTS idx_command_journal_session ON command_journal(session_id);
`

// DB is the SQLite side of the journal.
type DB struct {
	SQL  *sql.DB
	path string
}

// OpenDB opens (creating if needed) the journal database at path and ensures
// its schema exists.
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// single writer
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &DB{SQL: sqlDB, path: path}, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error { return d.SQL.Close() }

// Insert writes one record.
func (d *DB) Insert(ctx context.Context, r model.CommandRecord) (int64, error) {
	res, err := d.SQL.ExecContext(ctx,
		`INSERT INTO command_journal
		(timestamp, session_id, remote, device, port, line, operation, output, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.SessionID,
		r.Remote,
		r.Device,
		r.Port,
		r.Line,
		r.Operation,
		r.Output,
		r.ErrorKind,
		r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("insert journal record: %w", err)
	}
	return res.LastInsertId()
}

// Filter narrows Recent. Zero values mean no restriction.
type Filter struct {
	Port       int
	SessionID  string
	ErrorsOnly bool
	Limit      int
}

// Recent returns the newest records matching f, newest first.
func (d *DB) Recent(ctx context.Context, f Filter) ([]model.CommandRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Port > 0 {
		where = append(where, "port = ?")
		args = append(args, f.Port)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ErrorsOnly {
		where = append(where, "error_kind <> ''")
	}
	q := `SELECT id, timestamp, session_id, remote, device, port, line, operation, output, error_kind, error
		FROM command_journal`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []model.CommandRecord
	for rows.Next() {
		var (
			r  model.CommandRecord
			ts string
		)
		if err := rows.Scan(&r.ID, &ts, &r.SessionID, &r.Remote, &r.Device, &r.Port,
			&r.Line, &r.Operation, &r.Output, &r.ErrorKind, &r.Error); err != nil {
			return nil, err
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("journal record %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats counts records per device.
func (d *DB) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT device, COUNT(*) FROM command_journal GROUP BY device`)
	if err != nil {
		return nil, fmt.Errorf("query journal stats: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}
