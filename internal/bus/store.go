// Package bus implements the durable command/event bus (spec §4.1): a
// single-writer, WAL-mode SQLite store for commands, the append-only event
// log, and a small key/value app-state table. It is the one file every
// other control-plane component — the worker, the approval ledger, the
// projection API, ingress, and the CLI — opens against.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Status is a command's lifecycle state.
type Status string

const (
	StatusNew   Status = "NEW"
	StatusDone  Status = "DONE"
	StatusError Status = "ERROR"
)

// Level is an event's severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelOK    Level = "ok"
)

// Source identifies the ingress channel that originated a command.
type Source string

const (
	SourceCLI        Source = "cli"
	SourceChat       Source = "chat"
	SourceSupervisor Source = "supervisor"
	SourceTest       Source = "test"
)

// Command mirrors spec §3's Command record.
type Command struct {
	ID          int64
	CmdID       string
	Cmd         string
	Args        map[string]any
	Source      Source
	Status      Status
	DedupeKey   string // empty means unset
	RetryCount  int
	AvailableAt int64
	TTLSec      *int
	CreatedAt   int64
	ActorID     string // empty means unset
}

// Event mirrors spec §3's Event record. Events are append-only and never
// mutated once written.
type Event struct {
	ID      int64
	TS      int64
	Level   Level
	Message string
	Fields  map[string]any
}

// Store owns the single SQLite file backing the bus. It is safe for
// concurrent use: the worker is the sole command/approval writer, while
// ingress (enqueue) and the projection API (reads) may run concurrently
// from other processes against the same WAL-mode file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates (if needed) and opens the bus database at path, enabling
// WAL journaling and a busy timeout so concurrent readers never block on
// the worker's writes. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("bus: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("bus: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer model, per spec §5

	s := &Store{db: db, now: time.Now}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bus: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bus: set synchronous: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components (approval ledger) that
// need to participate in the same schema without re-opening the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cmd_id TEXT NOT NULL UNIQUE,
			cmd TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '{}',
			source TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			dedupe_key TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL,
			ttl_sec INTEGER,
			created_at INTEGER NOT NULL,
			actor_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status_available ON commands(status, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_dedupe_key ON commands(dedupe_key);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_events_message ON events(message);`,
		`CREATE INDEX IF NOT EXISTS idx_events_level ON events(level);`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			cmd_name TEXT NOT NULL,
			identity TEXT NOT NULL,
			required INTEGER NOT NULL,
			window_sec INTEGER NOT NULL,
			sources_seen TEXT NOT NULL DEFAULT '[]',
			actors_seen TEXT NOT NULL DEFAULT '[]',
			command_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			fulfilled_at INTEGER,
			expired_at INTEGER,
			PRIMARY KEY (cmd_name, identity)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bus: migrate: %w", err)
		}
	}
	return nil
}

// EnqueueOptions configures an Enqueue call. Zero values mean "unset".
type EnqueueOptions struct {
	TTLSec     *int
	DedupeKey  string
	ActorID    string
}

// Enqueue inserts a new NEW command, or — when DedupeKey is set and an
// active (NEW) command already carries that key — returns the existing
// command's id without inserting a new row (spec §3 invariant, §4.1).
func (s *Store) Enqueue(ctx context.Context, cmd string, args map[string]any, source Source, opts EnqueueOptions) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("bus: marshal args: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("bus: begin enqueue tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if opts.DedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT cmd_id FROM commands WHERE dedupe_key = ? AND status = ? LIMIT 1`,
			opts.DedupeKey, StatusNew,
		).Scan(&existing)
		if err == nil {
			// Idempotent: an active command for this key already exists.
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("bus: dedupe lookup: %w", err)
		}
	}

	cmdID := uuid.New().String()
	now := s.now().Unix()

	var dedupeKey any
	if opts.DedupeKey != "" {
		dedupeKey = opts.DedupeKey
	}
	var actorID any
	if opts.ActorID != "" {
		actorID = opts.ActorID
	}
	var ttlSec any
	if opts.TTLSec != nil {
		ttlSec = *opts.TTLSec
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO commands (cmd_id, cmd, args, source, status, dedupe_key, retry_count, available_at, ttl_sec, created_at, actor_id)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		cmdID, cmd, string(argsJSON), string(source), string(StatusNew), dedupeKey, now, ttlSec, now, actorID,
	)
	if err != nil {
		return "", fmt.Errorf("bus: insert command: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("bus: commit enqueue: %w", err)
	}
	return cmdID, nil
}

// NextNew atomically selects the oldest NEW command whose available_at has
// elapsed, ordered by (available_at, id) per spec §5. It does not mutate
// the row's status — the worker marks it terminal once handled.
func (s *Store) NextNew(ctx context.Context) (*Command, error) {
	now := s.now().Unix()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cmd_id, cmd, args, source, status, COALESCE(dedupe_key, ''), retry_count,
		        available_at, ttl_sec, created_at, COALESCE(actor_id, '')
		 FROM commands
		 WHERE status = ? AND available_at <= ?
		 ORDER BY available_at ASC, id ASC
		 LIMIT 1`,
		string(StatusNew), now,
	)
	return scanCommand(row)
}

func scanCommand(row *sql.Row) (*Command, error) {
	var (
		c          Command
		argsJSON   string
		source     string
		status     string
		ttlSec     sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CmdID, &c.Cmd, &argsJSON, &source, &status, &c.DedupeKey,
		&c.RetryCount, &c.AvailableAt, &ttlSec, &c.CreatedAt, &c.ActorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: scan command: %w", err)
	}
	c.Source = Source(source)
	c.Status = Status(status)
	if ttlSec.Valid {
		v := int(ttlSec.Int64)
		c.TTLSec = &v
	}
	if err := json.Unmarshal([]byte(argsJSON), &c.Args); err != nil {
		return nil, fmt.Errorf("bus: unmarshal args: %w", err)
	}
	return &c, nil
}

// MarkDone transitions a command to DONE.
func (s *Store) MarkDone(ctx context.Context, cmdID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ? WHERE cmd_id = ?`, string(StatusDone), cmdID)
	if err != nil {
		return fmt.Errorf("bus: mark done: %w", err)
	}
	return nil
}

// MarkError transitions a command to ERROR and increments its retry_count.
// The store does not self-retry (spec §9 "Retries"). It takes no backoff
// argument, and reason is only written to the debug log: it is neither
// stored on the row nor emitted as an event.
func (s *Store) MarkError(ctx context.Context, cmdID string, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, retry_count = retry_count + 1 WHERE cmd_id = ?`,
		string(StatusError), cmdID,
	)
	if err != nil {
		return fmt.Errorf("bus: mark error: %w", err)
	}
	log.Debug().Str("cmd_id", cmdID).Str("reason", reason).Msg("command marked error")
	return nil
}

// Emit appends an event. Events are never mutated once written.
func (s *Store) Emit(ctx context.Context, level Level, message string, fields map[string]any) (int64, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("bus: marshal event fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, level, message, fields) VALUES (?, ?, ?, ?)`,
		s.now().Unix(), string(level), message, string(fieldsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("bus: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("bus: event id: %w", err)
	}
	return id, nil
}

// TailEvents returns up to limit events ordered newest-first. When sinceID
// is non-nil, only events with id > *sinceID are returned (still newest
// first), letting projection clients poll incrementally.
func (s *Store) TailEvents(ctx context.Context, limit int, sinceID *int64) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if sinceID != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, ts, level, message, fields FROM events WHERE id > ? ORDER BY id DESC LIMIT ?`,
			*sinceID, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, ts, level, message, fields FROM events ORDER BY id DESC LIMIT ?`, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: tail events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var fieldsJSON, level string
		if err := rows.Scan(&e.ID, &e.TS, &level, &e.Message, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("bus: scan event: %w", err)
		}
		e.Level = Level(level)
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return nil, fmt.Errorf("bus: unmarshal event fields: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetState writes a last-write-wins app_state row.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("bus: set state %s: %w", key, err)
	}
	return nil
}

// GetState reads an app_state value, returning ok=false if absent.
func (s *Store) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("bus: get state %s: %w", key, scanErr)
	}
	return value, true, nil
}

// Now returns the store's clock, overridable in tests.
func (s *Store) Now() time.Time {
	return s.now()
}

// SetClock overrides the store's time source. Test-only.
func (s *Store) SetClock(fn func() time.Time) {
	s.now = fn
}
