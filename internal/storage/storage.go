package storage

import (
	"context"
	"errors"

	"github.com/xaenox/onebot-agent/internal/models"
)

// ErrInvalidKeep is returned when ReplaceWithSummary gets a negative keepLastN.
var ErrInvalidKeep = errors.New("keepLastN must not be negative")

type Storage interface {
	Ping(ctx context.Context) error
	Close() error

	ConversationStore
	ReminderStore
	ChatLog
}

// ConversationStore is the durable per-thread agent state. Every method is
// atomic with respect to other calls for the same thread id.
type ConversationStore interface {
	// LoadConversation returns an empty state for unknown threads.
	LoadConversation(ctx context.Context, threadID string) (*models.ConversationState, error)
	AppendTurns(ctx context.Context, threadID string, turns ...models.Turn) error
	// ReplaceWithSummary drops all but the last keepLastN turns and sets summary.
	ReplaceWithSummary(ctx context.Context, threadID, summary string, keepLastN int) error
}

// ReminderStore persists one-shot reminder jobs keyed by job id.
type ReminderStore interface {
	// SaveReminder inserts the job or replaces a pending job with the same id.
	// A job that already fired is left untouched.
	SaveReminder(ctx context.Context, job *models.ReminderJob) error
	PendingReminders(ctx context.Context) ([]*models.ReminderJob, error)
	GetReminder(ctx context.Context, jobID string) (*models.ReminderJob, error)
	// ClaimReminder marks the job fired. It reports false when the job is
	// unknown or was already claimed.
	ClaimReminder(ctx context.Context, jobID string) (bool, error)
}

// ChatLog records what users said and what the bot answered.
type ChatLog interface {
	AddChatRecord(ctx context.Context, rec *models.ChatRecord) error
	RecentChatRecords(ctx context.Context, threadID string, limit int) ([]*models.ChatRecord, error)
}
