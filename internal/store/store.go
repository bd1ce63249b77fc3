package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store archives completed intents in PostgreSQL. It implements
// schemas.IntentArchive.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.IntentArchive = (*Store)(nil)

// ArchivedIntent is the summary row of an archived intent.
type ArchivedIntent struct {
	ID          string               `json:"id"`
	Type        schemas.IntentType   `json:"type"`
	Description string               `json:"description"`
	Status      schemas.IntentStatus `json:"status"`
	Success     bool                 `json:"success"`
	TimedOut    bool                 `json:"timed_out"`
	Aborted     bool                 `json:"aborted"`
	Actions     int                  `json:"actions"`
	Elapsed     time.Duration        `json:"elapsed"`
	CreatedAt   time.Time            `json:"created_at"`
	ArchivedAt  time.Time            `json:"archived_at"`
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS intents (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            description TEXT NOT NULL,
            status TEXT NOT NULL,
            success BOOLEAN NOT NULL,
            timed_out BOOLEAN NOT NULL DEFAULT FALSE,
            aborted BOOLEAN NOT NULL DEFAULT FALSE,
            elapsed_ms BIGINT NOT NULL,
            document JSONB NOT NULL,
            result JSONB NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            archived_at TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS action_results (
            intent_id TEXT NOT NULL REFERENCES intents(id) ON DELETE CASCADE,
            action_id TEXT NOT NULL,
            sub_intent_id TEXT NOT NULL,
            action_type TEXT NOT NULL,
            success BOOLEAN NOT NULL,
            code TEXT NOT NULL,
            error TEXT NOT NULL,
            attempts INT NOT NULL,
            duration_ms BIGINT NOT NULL,
            started_at TIMESTAMPTZ,
            PRIMARY KEY (intent_id, action_id)
        );
    `

const (
	sqlUpsertIntent = `
        INSERT INTO intents (id, type, description, status, success, timed_out, aborted, elapsed_ms, document, result, created_at, archived_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            success = EXCLUDED.success,
            timed_out = EXCLUDED.timed_out,
            aborted = EXCLUDED.aborted,
            elapsed_ms = EXCLUDED.elapsed_ms,
            document = EXCLUDED.document,
            result = EXCLUDED.result,
            archived_at = EXCLUDED.archived_at;
    `
	sqlDeleteActions = `DELETE FROM action_results WHERE intent_id = $1;`
	sqlRecentIntents = `
        SELECT i.id, i.type, i.description, i.status, i.success, i.timed_out, i.aborted, i.elapsed_ms,
               i.created_at, i.archived_at,
               (SELECT COUNT(*) FROM action_results a WHERE a.intent_id = i.id)
        FROM intents i
        ORDER BY i.archived_at DESC
        LIMIT $1;
    `
)

var actionColumns = []string{"intent_id", "action_id", "sub_intent_id", "action_type", "success", "code", "error", "attempts", "duration_ms", "started_at"}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the archive tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return nil
}

// ArchiveIntent writes the intent and its per-action results in one
// transaction. Sensitive parameters are redacted and secrets scrubbed from
// error text before anything leaves the process. A nil result archives an
// intent that never ran.
func (s *Store) ArchiveIntent(ctx context.Context, intent *schemas.Intent, result *schemas.ExecutionResult) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertIntent,
		redacted.ID, string(redacted.Type), redacted.Description, string(redacted.Status),
		scrubbed.Success, scrubbed.TimedOut, scrubbed.Aborted, scrubbed.Elapsed.Milliseconds(),
		document, summary, redacted.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intent %s: %w", intent.ID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteActions, redacted.ID); err != nil {
		return fmt.Errorf("failed to clear previous results of intent %s: %w", intent.ID, err)
	}
	if err := s.persistActions(ctx, tx, redacted.ID, scrubbed.Actions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Intent archived.", zap.String("intent_id", intent.ID), zap.Int("actions", len(scrubbed.Actions)))
	return nil
}

func (s *Store) persistActions(ctx context.Context, tx pgx.Tx, intentID string, results []schemas.ActionResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(results))
	for i, r := range results {
		var started interface{}
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.UTC()
		}
		rows[i] = []interface{}{
			intentID, r.ActionID, r.SubIntentID, string(r.ActionType),
			r.Success, string(r.Code), r.Error, r.Attempts,
			r.Duration.Milliseconds(), started,
		}
	}
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"action_results"}, actionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy action results: %w", err)
	}
	if int(copyCount) != len(results) {
		return fmt.Errorf("mismatch in copied action results count: expected %d, got %d", len(results), copyCount)
	}
	return nil
}

// RecentIntents lists the most recently archived intents, newest first.
func (s *Store) RecentIntents(ctx context.Context, limit int) ([]ArchivedIntent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentIntents, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []ArchivedIntent
	for rows.Next() {
		var a ArchivedIntent
		var typ, status string
		var elapsedMS int64
		if err := rows.Scan(&a.ID, &typ, &a.Description, &status, &a.Success, &a.TimedOut, &a.Aborted,
			&elapsedMS, &a.CreatedAt, &a.ArchivedAt, &a.Actions); err != nil {
			return nil, fmt.Errorf("failed to scan intent row: %w", err)
		}
		a.Type = schemas.IntentType(typ)
		a.Status = schemas.IntentStatus(status)
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// scrubResult copies result with secrets removed from every free-text field.
func scrubResult(result *schemas.ExecutionResult, secrets []string) *schemas.ExecutionResult {
	out := *result
	out.Errors = scrubAll(result.Errors, secrets)
	out.Actions = make([]schemas.ActionResult, len(result.Actions))
	for i, a := range result.Actions {
		a.Error = schemas.Scrub(a.Error, secrets)
		if s, ok := a.Payload.(string); ok {
			a.Payload = schemas.Scrub(s, secrets)
		}
		out.Actions[i] = a
	}
	out.SubIntents = make([]schemas.SubIntentOutcome, len(result.SubIntents))
	for i, o := range result.SubIntents {
		o.Errors = scrubAll(o.Errors, secrets)
		out.SubIntents[i] = o
	}
	out.Verification = make([]schemas.CriterionResult, len(result.Verification))
	for i, v := range result.Verification {
		v.Detail = schemas.Scrub(v.Detail, secrets)
		out.Verification[i] = v
	}
	return &out
}

func scrubAll(in []string, secrets []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = schemas.Scrub(s, secrets)
	}
	return out
}
