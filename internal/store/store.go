// Package store persists executed commands and the aggregates the
// suggestion engine ranks with, backed by SQLite in WAL mode.
//
// The command log is append-only. Aggregate rows (per-command stats and
// successor transitions) are upserted on each ingestion and never deleted;
// recency weighting is applied at read time by the engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record id does not resolve.
var ErrNotFound = errors.New("store: record not found")

// Record is one executed command. Immutable once written.
type Record struct {
	ID        int64
	Command   string
	Cwd       string
	Timestamp int64
	ExitCode  *int
	Duration  float64
	SessionID string
}

// Stats is the per-command aggregate used for ranking.
type Stats struct {
	Command      string
	Count        int64
	SuccessCount int64
	LastUsed     int64
	LastCwd      string
}

// Transition is a mined immediate-successor relationship: Prev was followed
// by Next within one session, Count times, most recently in Cwd.
type Transition struct {
	Prev     string
	Next     string
	Cwd      string
	Count    int64
	LastUsed int64
}

// Store wraps the SQLite database. Safe for concurrent readers; writes are
// serialized by SQLite itself.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and initializes the schema.
// Pass ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each pool connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		command    TEXT NOT NULL,
		cwd        TEXT NOT NULL DEFAULT '',
		ts         INTEGER NOT NULL,
		exit_code  INTEGER,
		duration   REAL NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER,
		command_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS command_stats (
		command       TEXT PRIMARY KEY,
		count         INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		last_used     INTEGER NOT NULL,
		last_cwd      TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS transitions (
		prev      TEXT NOT NULL,
		next      TEXT NOT NULL,
		cwd       TEXT NOT NULL DEFAULT '',
		count     INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER NOT NULL,
		PRIMARY KEY (prev, next, cwd)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_ts ON commands(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_stats_rank ON command_stats(count DESC, last_used DESC);
	CREATE INDEX IF NOT EXISTS idx_transitions_prev ON transitions(prev, count DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append persists one command record and updates the derived aggregates:
// per-command stats, the session row, and the successor transition from the
// session's previous command. Returns the new record id.
//
// Callers must run the record through the privacy filter first; nothing in
// here re-checks it.
func (s *Store) Append(ctx context.Context, rec Record) (int64, error) {
	if strings.TrimSpace(rec.Command) == "" {
		return 0, fmt.Errorf("append: empty command")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Previous command in this session, for transition mining.
	var prev string
	if rec.SessionID != "" {
		err := tx.QueryRowContext(ctx,
			`SELECT command FROM commands WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
			rec.SessionID,
		).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("lookup previous command: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO commands (command, cwd, ts, exit_code, duration, session_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Command, rec.Cwd, rec.Timestamp, rec.ExitCode, rec.Duration, rec.SessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	success := 0
	if rec.ExitCode == nil || *rec.ExitCode == 0 {
		success = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO command_stats (command, count, success_count, last_used, last_cwd)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(command) DO UPDATE SET
			count = count + 1,
			success_count = success_count + excluded.success_count,
			last_used = excluded.last_used,
			last_cwd = excluded.last_cwd`,
		rec.Command, success, rec.Timestamp, rec.Cwd,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert stats: %w", err)
	}

	if rec.SessionID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, started_at, command_count) VALUES (?, ?, 1)
			 ON CONFLICT(id) DO UPDATE SET command_count = command_count + 1`,
			rec.SessionID, rec.Timestamp,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert session: %w", err)
		}
	}

	if prev != "" && prev != rec.Command {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transitions (prev, next, cwd, count, last_used)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT(prev, next, cwd) DO UPDATE SET
				count = count + 1,
				last_used = excluded.last_used`,
			prev, rec.Command, rec.Cwd, rec.Timestamp,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

// EndSession marks a session as closed.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// SessionEnded reports whether the session exists and has been closed.
func (s *Store) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT ended_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&ended)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session ended: %w", err)
	}
	return ended.Valid, nil
}

// PrefixMatch returns aggregate stats for distinct commands starting with
// prefix, ordered by frequency then recency.
func (s *Store) PrefixMatch(ctx context.Context, prefix string, limit int) ([]Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command, count, success_count, last_used, last_cwd
		 FROM command_stats
		 WHERE command LIKE ? ESCAPE '\'
		 ORDER BY count DESC, last_used DESC
		 LIMIT ?`,
		escapeLike(prefix)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("prefix match: %w", err)
	}
	defer rows.Close()
	return scanStats(rows)
}

// StatsFor returns the aggregate row for one exact command, or a zero Stats
// when the command has never been recorded.
func (s *Store) StatsFor(ctx context.Context, command string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT command, count, success_count, last_used, last_cwd
		 FROM command_stats WHERE command = ?`,
		command,
	).Scan(&st.Command, &st.Count, &st.SuccessCount, &st.LastUsed, &st.LastCwd)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{Command: command}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("stats for %q: %w", command, err)
	}
	return st, nil
}

// ByID returns the record with the given id, or ErrNotFound.
func (s *Store) ByID(ctx context.Context, id int64) (Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, cwd, ts, exit_code, duration, session_id
		 FROM commands WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Command, &rec.Cwd, &rec.Timestamp, &rec.ExitCode, &rec.Duration, &rec.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("by id %d: %w", id, err)
	}
	return rec, nil
}

// FullTextSearch returns records whose command text contains query,
// newest first.
func (s *Store) FullTextSearch(ctx context.Context, query string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, cwd, ts, exit_code, duration, session_id
		 FROM commands
		 WHERE command LIKE ? ESCAPE '\'
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		"%"+escapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("full text search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Cwd, &rec.Timestamp,
			&rec.ExitCode, &rec.Duration, &rec.SessionID); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Successors returns transitions out of prev across all directories, ordered
// by co-occurrence count then recency. Directory conditioning is applied by
// the caller, which sees each row's cwd.
func (s *Store) Successors(ctx context.Context, prev string, limit int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prev, next, cwd, count, last_used
		 FROM transitions
		 WHERE prev = ?
		 ORDER BY count DESC, last_used DESC
		 LIMIT ?`,
		prev, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("successors: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.Prev, &tr.Next, &tr.Cwd, &tr.Count, &tr.LastUsed); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// IndexedCommand pairs a record id with its command text for embedding.
type IndexedCommand struct {
	ID      int64
	Command string
}

// RecentDistinct returns the most recent record id for each distinct command,
// newest first. Used to feed the similarity index.
func (s *Store) RecentDistinct(ctx context.Context, limit int) ([]IndexedCommand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT MAX(id) AS id, command
		 FROM commands
		 GROUP BY command
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent distinct: %w", err)
	}
	defer rows.Close()

	var out []IndexedCommand
	for rows.Next() {
		var ic IndexedCommand
		if err := rows.Scan(&ic.ID, &ic.Command); err != nil {
			return nil, fmt.Errorf("scan indexed command: %w", err)
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

// CountCommands returns the total number of persisted records.
func (s *Store) CountCommands(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}

func scanStats(rows *sql.Rows) ([]Stats, error) {
	var out []Stats
	for rows.Next() {
		var st Stats
		if err := rows.Scan(&st.Command, &st.Count, &st.SuccessCount, &st.LastUsed, &st.LastCwd); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// escapeLike escapes SQL LIKE metacharacters in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
