package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Local archives intents in a SQLite file. It is the single-user
// counterpart of Store and needs no server.
type Local struct {
	db  *sql.DB
	log *zap.Logger
}

var _ schemas.IntentArchive = (*Local)(nil)

const sqliteSchema = `
        CREATE TABLE IF NOT EXISTS intents (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            description TEXT NOT NULL,
            status TEXT NOT NULL,
            success INTEGER NOT NULL,
            timed_out INTEGER NOT NULL DEFAULT 0,
            aborted INTEGER NOT NULL DEFAULT 0,
            elapsed_ms INTEGER NOT NULL,
            document TEXT NOT NULL,
            result TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            archived_at INTEGER NOT NULL
        );
        CREATE TABLE IF NOT EXISTS action_results (
            intent_id TEXT NOT NULL REFERENCES intents(id) ON DELETE CASCADE,
            action_id TEXT NOT NULL,
            sub_intent_id TEXT NOT NULL,
            action_type TEXT NOT NULL,
            success INTEGER NOT NULL,
            code TEXT NOT NULL,
            error TEXT NOT NULL,
            attempts INTEGER NOT NULL,
            duration_ms INTEGER NOT NULL,
            started_at INTEGER,
            PRIMARY KEY (intent_id, action_id)
        );
        CREATE INDEX IF NOT EXISTS intents_archived_at ON intents (archived_at DESC);
    `

const (
	sqliteUpsertIntent = `
        INSERT INTO intents (id, type, description, status, success, timed_out, aborted, elapsed_ms, document, result, created_at, archived_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            status = excluded.status,
            success = excluded.success,
            timed_out = excluded.timed_out,
            aborted = excluded.aborted,
            elapsed_ms = excluded.elapsed_ms,
            document = excluded.document,
            result = excluded.result,
            archived_at = excluded.archived_at;
    `
	sqliteDeleteActions = `DELETE FROM action_results WHERE intent_id = ?;`
	sqliteInsertAction  = `
        INSERT INTO action_results (intent_id, action_id, sub_intent_id, action_type, success, code, error, attempts, duration_ms, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	sqliteRecentIntents = `
        SELECT i.id, i.type, i.description, i.status, i.success, i.timed_out, i.aborted, i.elapsed_ms,
               i.created_at, i.archived_at,
               (SELECT COUNT(*) FROM action_results a WHERE a.intent_id = i.id)
        FROM intents i
        ORDER BY i.archived_at DESC
        LIMIT ?;
    `
)

// OpenLocal opens (or creates) the SQLite archive at path and applies the
// schema. ":memory:" gives a throwaway in-memory archive.
func OpenLocal(ctx context.Context, path string, logger *zap.Logger) (*Local, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: archive path is required", schemas.ErrConfiguration)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	// One connection avoids "database is locked" and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	l := &Local{db: db, log: logger.Named("store.local")}
	if err := l.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Local) init(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping archive: %w", err)
	}
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := l.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := l.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Local) Close() error { return l.db.Close() }

// ArchiveIntent follows the same redaction and replace semantics as
// Store.ArchiveIntent.
func (l *Local) ArchiveIntent(ctx context.Context, intent *schemas.Intent, result *schemas.ExecutionResult) error {
	if intent == nil {
		return fmt.Errorf("%w: intent is required", schemas.ErrValidation)
	}
	if result == nil {
		result = &schemas.ExecutionResult{IntentID: intent.ID}
	}
	secrets := intent.SensitiveValues()
	redacted := intent.Redacted()
	scrubbed := scrubResult(result, secrets)

	document, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("failed to encode intent %s: %w", intent.ID, err)
	}
	summary, err := json.Marshal(scrubbed)
	if err != nil {
		return fmt.Errorf("failed to encode result of intent %s: %w", intent.ID, err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			l.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.ExecContext(ctx, sqliteUpsertIntent,
		redacted.ID, string(redacted.Type), redacted.Description, string(redacted.Status),
		scrubbed.Success, scrubbed.TimedOut, scrubbed.Aborted, scrubbed.Elapsed.Milliseconds(),
		string(document), string(summary), redacted.CreatedAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intent %s: %w", intent.ID, err)
	}
	if _, err := tx.ExecContext(ctx, sqliteDeleteActions, redacted.ID); err != nil {
		return fmt.Errorf("failed to clear previous results of intent %s: %w", intent.ID, err)
	}
	if len(scrubbed.Actions) > 0 {
		stmt, err := tx.PrepareContext(ctx, sqliteInsertAction)
		if err != nil {
			return fmt.Errorf("failed to prepare action insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range scrubbed.Actions {
			var started any
			if !r.StartedAt.IsZero() {
				started = r.StartedAt.UnixNano()
			}
			if _, err := stmt.ExecContext(ctx, redacted.ID, r.ActionID, r.SubIntentID, string(r.ActionType),
				r.Success, string(r.Code), r.Error, r.Attempts, r.Duration.Milliseconds(), started); err != nil {
				return fmt.Errorf("failed to insert result of action %s: %w", r.ActionID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	l.log.Debug("Intent archived.", zap.String("intent_id", intent.ID), zap.Int("actions", len(scrubbed.Actions)))
	return nil
}

// RecentIntents lists the most recently archived intents, newest first.
func (l *Local) RecentIntents(ctx context.Context, limit int) ([]ArchivedIntent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, sqliteRecentIntents, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []ArchivedIntent
	for rows.Next() {
		var a ArchivedIntent
		var typ, status string
		var elapsedMS, created, archived int64
		if err := rows.Scan(&a.ID, &typ, &a.Description, &status, &a.Success, &a.TimedOut, &a.Aborted,
			&elapsedMS, &created, &archived, &a.Actions); err != nil {
			return nil, fmt.Errorf("failed to scan intent row: %w", err)
		}
		a.Type = schemas.IntentType(typ)
		a.Status = schemas.IntentStatus(status)
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		a.CreatedAt = time.Unix(0, created).UTC()
		a.ArchivedAt = time.Unix(0, archived).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Document returns the redacted intent document stored for id.
func (l *Local) Document(ctx context.Context, id string) (*schemas.Intent, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT document FROM intents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: intent %s is not archived", schemas.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load intent %s: %w", id, err)
	}
	var in schemas.Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("failed to decode intent %s: %w", id, err)
	}
	return &in, nil
}
