package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/onebot-agent/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLStorage implements Storage on database/sql. Queries are written with
// '?' placeholders and rebound to '$n' for PostgreSQL.
type SQLStorage struct {
	db       *sql.DB
	numbered bool
	logger   *zap.Logger
}

func newSQLStorage(db *sql.DB, dialect string, logger *zap.Logger) (*SQLStorage, error) {
	s := &SQLStorage{db: db, numbered: dialect == "postgres", logger: logger}
	if err := s.initializeSchema(dialect); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initializeSchema(dialect string) error {
	migrationSQL, err := migrations.ReadFile("migrations/" + dialect + ".sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// q rewrites '?' placeholders for the active driver.
func (s *SQLStorage) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// touchConversation creates the conversation row if needed. The update on
// conflict also takes the row lock that serializes writers of one thread.
func (s *SQLStorage) touchConversation(ctx context.Context, tx *sql.Tx, threadID string, now int64) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO conversations (thread_id, summary, updated_at)
		VALUES (?, '', ?)
		ON CONFLICT (thread_id) DO UPDATE SET updated_at = excluded.updated_at`),
		threadID, now)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLStorage) LoadConversation(ctx context.Context, threadID string) (*models.ConversationState, error) {
	state := &models.ConversationState{ThreadID: threadID}

	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT summary, updated_at FROM conversations WHERE thread_id = ?`),
		threadID).Scan(&state.Summary, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading conversation %s: %w", threadID, err)
	}
	state.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT kind, text, tool_name, tool_call_id, arguments, output, is_error, created_at
		FROM conversation_turns
		WHERE thread_id = ?
		ORDER BY seq`), threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t         models.Turn
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&kind, &t.Text, &t.ToolName, &t.ToolCallID, &t.Arguments, &t.Output, &t.IsError, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning turn: %w", err)
		}
		t.Kind = models.TurnKind(kind)
		t.CreatedAt = time.UnixMilli(createdAt)
		state.History = append(state.History, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	return state, nil
}

func (s *SQLStorage) AppendTurns(ctx context.Context, threadID string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if err := s.touchConversation(ctx, tx, threadID, now); err != nil {
			return err
		}

		var last int64
		if err := tx.QueryRowContext(ctx, s.q(`
			SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE thread_id = ?`),
			threadID).Scan(&last); err != nil {
			return fmt.Errorf("error reading last turn: %w", err)
		}

		for i, t := range turns {
			createdAt := t.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO conversation_turns
					(thread_id, seq, kind, text, tool_name, tool_call_id, arguments, output, is_error, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				threadID, last+int64(i)+1, string(t.Kind), t.Text, t.ToolName, t.ToolCallID,
				t.Arguments, t.Output, t.IsError, createdAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("error appending turn: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStorage) ReplaceWithSummary(ctx context.Context, threadID, summary string, keepLastN int) error {
	if keepLastN < 0 {
		return ErrInvalidKeep
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if err := s.touchConversation(ctx, tx, threadID, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE conversations SET summary = ?, updated_at = ? WHERE thread_id = ?`),
			summary, now, threadID); err != nil {
			return fmt.Errorf("error updating summary: %w", err)
		}

		// Sequence numbers are contiguous at the tail, so everything at or
		// below max-keep is the prefix being summarized away.
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM conversation_turns
			WHERE thread_id = ?
			  AND seq <= (SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE thread_id = ?) - ?`),
			threadID, threadID, keepLastN); err != nil {
			return fmt.Errorf("error truncating turns: %w", err)
		}
		return nil
	})
}

func (s *SQLStorage) SaveReminder(ctx context.Context, job *models.ReminderJob) error {
	if job.ID == "" {
		return fmt.Errorf("save reminder: empty job id")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reminder_jobs (job_id, fire_at, scope_kind, user_id, group_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			fire_at = excluded.fire_at,
			scope_kind = excluded.scope_kind,
			user_id = excluded.user_id,
			group_id = excluded.group_id,
			message = excluded.message
		WHERE reminder_jobs.fired_at IS NULL`),
		job.ID, job.FireAt.UnixMilli(), string(job.Scope.Kind), job.Scope.UserID, job.Scope.GroupID,
		job.Message, job.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("error saving reminder %s: %w", job.ID, err)
	}
	return nil
}

const reminderColumns = `job_id, fire_at, scope_kind, user_id, group_id, message, created_at, fired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*models.ReminderJob, error) {
	var (
		job               models.ReminderJob
		kind              string
		fireAt, createdAt int64
		firedAt           sql.NullInt64
	)
	if err := row.Scan(&job.ID, &fireAt, &kind, &job.Scope.UserID, &job.Scope.GroupID, &job.Message, &createdAt, &firedAt); err != nil {
		return nil, err
	}
	job.Scope.Kind = models.ScopeKind(kind)
	job.FireAt = time.UnixMilli(fireAt)
	job.CreatedAt = time.UnixMilli(createdAt)
	if firedAt.Valid {
		t := time.UnixMilli(firedAt.Int64)
		job.FiredAt = &t
	}
	return &job, nil
}

func (s *SQLStorage) PendingReminders(ctx context.Context) ([]*models.ReminderJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminder_jobs
		WHERE fired_at IS NULL
		ORDER BY fire_at`)
	if err != nil {
		return nil, fmt.Errorf("error querying reminders: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ReminderJob
	for rows.Next() {
		job, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning reminder: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetReminder returns nil, nil when no job has the given id.
func (s *SQLStorage) GetReminder(ctx context.Context, jobID string) (*models.ReminderJob, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+reminderColumns+` FROM reminder_jobs WHERE job_id = ?`), jobID)
	job, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading reminder %s: %w", jobID, err)
	}
	return job, nil
}

func (s *SQLStorage) ClaimReminder(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reminder_jobs SET fired_at = ? WHERE job_id = ? AND fired_at IS NULL`),
		time.Now().UnixMilli(), jobID)
	if err != nil {
		return false, fmt.Errorf("error claiming reminder %s: %w", jobID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *SQLStorage) AddChatRecord(ctx context.Context, rec *models.ChatRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO chat_history (thread_id, user_id, group_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		rec.ThreadID, rec.UserID, rec.GroupID, string(rec.Role), rec.Content, rec.CreatedAt.UnixMilli(),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("error adding chat record: %w", err)
	}
	return nil
}

// RecentChatRecords returns up to limit records of the thread, newest first.
func (s *SQLStorage) RecentChatRecords(ctx context.Context, threadID string, limit int) ([]*models.ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, thread_id, user_id, group_id, role, content, created_at
		FROM chat_history
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT ?`), threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying chat history: %w", err)
	}
	defer rows.Close()

	var records []*models.ChatRecord
	for rows.Next() {
		var (
			rec       models.ChatRecord
			role      string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.UserID, &rec.GroupID, &role, &rec.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning chat record: %w", err)
		}
		rec.Role = models.ChatRole(role)
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
