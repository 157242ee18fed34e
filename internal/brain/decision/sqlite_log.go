package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a durable Log stored in a SQLite database
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLiteLog opens (or creates) the decision log at path and runs the schema migration
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping decision log: %w", err)
	}
	// A single writer keeps sequence numbers in append order.
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decision log: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS decision_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    decision_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    outcome REAL NOT NULL DEFAULT 0,
    snapshot TEXT,
    at INTEGER NOT NULL,
    UNIQUE (decision_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id);
`
	_, err := l.db.Exec(schema)
	return err
}

// Append inserts e; a second append for the same decision and kind is ignored
func (l *SQLiteLog) Append(ctx context.Context, e Entry) error {
	var snapshot sql.NullString
	if e.Decision != nil {
		data, err := json.Marshal(e.Decision)
		if err != nil {
			return fmt.Errorf("encode decision snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO decision_log (kind, decision_id, agent_id, task_id, outcome, snapshot, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (decision_id, kind) DO NOTHING`,
		string(e.Kind), e.DecisionID, e.AgentID, e.TaskID, e.Outcome, snapshot, e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append %s entry for %s: %w", e.Kind, e.DecisionID, err)
	}
	return nil
}

// Entries returns every entry in sequence order
func (l *SQLiteLog) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := l.Replay(ctx, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Lookup returns the entries of one decision in sequence order
func (l *SQLiteLog) Lookup(ctx context.Context, decisionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, decision_id, agent_id, task_id, outcome, snapshot, at
		 FROM decision_log WHERE decision_id = ? ORDER BY seq`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", decisionID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Replay streams entries in sequence order to fn
func (l *SQLiteLog) Replay(ctx context.Context, fn func(Entry) error) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, decision_id, agent_id, task_id, outcome, snapshot, at
		 FROM decision_log ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("replay decision log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the underlying database connection
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e        Entry
		kind     string
		snapshot sql.NullString
		at       int64
	)
	if err := rows.Scan(&e.Seq, &kind, &e.DecisionID, &e.AgentID, &e.TaskID, &e.Outcome, &snapshot, &at); err != nil {
		return Entry{}, fmt.Errorf("scan decision log row: %w", err)
	}
	e.Kind = EntryKind(kind)
	e.At = time.Unix(0, at).UTC()
	if snapshot.Valid {
		var d Decision
		if err := json.Unmarshal([]byte(snapshot.String), &d); err != nil {
			return Entry{}, fmt.Errorf("decode snapshot for %s: %w", e.DecisionID, err)
		}
		e.Decision = &d
	}
	return e, nil
}
