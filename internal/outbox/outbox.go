// Package outbox keeps a durable journal of field writes the data API
// rejected.
//
// An edit session records a write here once it gives up on it, and resolves
// the entry when a later write of the same field succeeds. The journal is a
// small SQLite database in WAL mode so the CLI can list pending failures while
// a long-running process is still writing to it.
//
// Schema:
//
//	failed_writes(id, entity_type, entity_id, field, value, seq, error,
//	              retryable, attempts, created_at, updated_at, resolved_at)
//
// At most one unresolved entry exists per (entity_type, entity_id, field); a
// repeated failure updates it in place and bumps attempts.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("outbox entry not found")

// Entry is one failed write.
type Entry struct {
	ID         int64
	EntityType model.EntityType
	EntityID   string
	Field      model.Field
	// Value is the wire value that failed; nil means a clear.
	Value      any
	Seq        uint64
	Error      string
	Retryable  bool
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Resolved reports whether the entry has been resolved.
func (e *Entry) Resolved() bool {
	return e.ResolvedAt != nil
}

// Write rebuilds the write so it can be issued again.
func (e *Entry) Write() field.Write {
	return field.Write{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Field:      e.Field,
		Value:      e.Value,
		Seq:        e.Seq,
	}
}

// Outbox is the failed-write journal. It implements field.Journal.
type Outbox struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger *zap.SugaredLogger
}

var _ field.Journal = (*Outbox)(nil)

// Open opens (creating if needed) the journal at path and initializes its schema.
//
// The caller must call Close when done.
func Open(path string, logger *zap.SugaredLogger) (*Outbox, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping outbox: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	o := &Outbox{conn: conn, path: path, now: time.Now, logger: logger.Named("outbox")}

	if err := o.initSchema(context.Background()); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

// Path returns the database file path.
func (o *Outbox) Path() string {
	return o.path
}

// Close checkpoints the WAL and closes the database.
func (o *Outbox) Close() error {
	if o.conn == nil {
		return nil
	}
	if _, err := o.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		o.logger.Warnw("failed to checkpoint WAL", "error", err)
	}
	if err := o.conn.Close(); err != nil {
		return fmt.Errorf("failed to close outbox: %w", err)
	}
	o.conn = nil
	return nil
}

func (o *Outbox) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS failed_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,  -- JSON wire value, "null" for a clear
		seq INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL,
		retryable INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_failed_writes_field
	    ON failed_writes(entity_type, entity_id, field);
	CREATE INDEX IF NOT EXISTS idx_failed_writes_unresolved
	    ON failed_writes(resolved_at) WHERE resolved_at IS NULL;
	`
	if _, err := o.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize outbox schema: %w", err)
	}
	return nil
}

// Record notes that w failed with cause. A still-unresolved entry for the
// same field is updated in place.
func (o *Outbox) Record(ctx context.Context, w field.Write, cause error) error {
	value, err := json.Marshal(w.Value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", w, err)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	retryable := field.Retryable(cause)
	now := o.now().UTC().Format(time.RFC3339Nano)

	tx, err := o.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE failed_writes
	SET value = ?, seq = ?, error = ?, retryable = ?, attempts = attempts + 1, updated_at = ?
	WHERE entity_type = ? AND entity_id = ? AND field = ? AND resolved_at IS NULL
	`, string(value), int64(w.Seq), msg, retryable, now,
		string(w.EntityType), w.EntityID, string(w.Field))
	if err != nil {
		return fmt.Errorf("failed to update failed write %s: %w", w, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update failed write %s: %w", w, err)
	}

	if updated == 0 {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO failed_writes (
			entity_type, entity_id, field, value, seq, error, retryable,
			attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, string(w.EntityType), w.EntityID, string(w.Field), string(value), int64(w.Seq),
			msg, retryable, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert failed write %s: %w", w, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	o.logger.Debugw("recorded failed write", "write", w.String(), "retryable", retryable)
	return nil
}

// Resolve marks every unresolved entry for the field as resolved.
func (o *Outbox) Resolve(ctx context.Context, entityType model.EntityType, entityID string, f model.Field) error {
	_, err := o.conn.ExecContext(ctx, `
	UPDATE failed_writes SET resolved_at = ?
	WHERE entity_type = ? AND entity_id = ? AND field = ? AND resolved_at IS NULL
	`, o.now().UTC().Format(time.RFC3339Nano), string(entityType), entityID, string(f))
	if err != nil {
		return fmt.Errorf("failed to resolve %s/%s.%s: %w", entityType, entityID, f, err)
	}
	return nil
}

// MarkResolved resolves one entry by id.
func (o *Outbox) MarkResolved(ctx context.Context, id int64) error {
	res, err := o.conn.ExecContext(ctx, `
	UPDATE failed_writes SET resolved_at = COALESCE(resolved_at, ?) WHERE id = ?
	`, o.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to resolve entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve entry %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of unresolved entries.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var count int
	err := o.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_writes WHERE resolved_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed writes: %w", err)
	}
	return count, nil
}

const entryColumns = `id, entity_type, entity_id, field, value, seq, error, retryable,
	attempts, created_at, updated_at, resolved_at`

// List returns entries oldest first. Resolved entries are included only when
// includeResolved is set.
func (o *Outbox) List(ctx context.Context, includeResolved bool) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM failed_writes`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := o.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed writes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list failed writes: %w", err)
	}
	return entries, nil
}

// Get returns one entry by id.
func (o *Outbox) Get(ctx context.Context, id int64) (*Entry, error) {
	row := o.conn.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM failed_writes WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                    Entry
		entityType, f, value string
		seq                  int64
		created, updated     string
		resolved             sql.NullString
	)
	err := s.Scan(&e.ID, &entityType, &e.EntityID, &f, &value, &seq, &e.Error,
		&e.Retryable, &e.Attempts, &created, &updated, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan failed write: %w", err)
	}
	e.EntityType = model.EntityType(entityType)
	e.Field = model.Field(f)
	e.Seq = uint64(seq)
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return nil, fmt.Errorf("failed to decode value of entry %d: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of entry %d: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of entry %d: %w", e.ID, err)
	}
	if resolved.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolved.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at of entry %d: %w", e.ID, err)
		}
		e.ResolvedAt = &t
	}
	return &e, nil
}

// ReplayResult summarizes a Replay run.
type ReplayResult struct {
	Resolved int
	Failed   int
}

// Replay re-issues every unresolved entry through w. Entries that succeed are
// resolved; entries that fail again are re-recorded with the new error.
// Replay stops early only when ctx is done.
func (o *Outbox) Replay(ctx context.Context, w field.Writer) (ReplayResult, error) {
	var result ReplayResult
	entries, err := o.List(ctx, false)
	if err != nil {
		return result, err
	}
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		write := entries[i].Write()
		if err := w.PatchField(ctx, write); err != nil {
			o.logger.Infow("replay failed", "write", write.String(), "error", err)
			if rerr := o.Record(ctx, write, err); rerr != nil {
				return result, rerr
			}
			result.Failed++
			continue
		}
		if err := o.Resolve(ctx, write.EntityType, write.EntityID, write.Field); err != nil {
			return result, err
		}
		result.Resolved++
	}
	return result, nil
}
