package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/onebot-agent/internal/models"
)

// MemoryStorage keeps everything in process memory. State is lost on
// restart, so it is meant for development and tests.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.ConversationState
	reminders     map[string]*models.ReminderJob
	records       map[string][]*models.ChatRecord
	nextRecordID  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.ConversationState),
		reminders:     make(map[string]*models.ReminderJob),
		records:       make(map[string][]*models.ChatRecord),
	}
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// Conversation methods
func (s *MemoryStorage) LoadConversation(ctx context.Context, threadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.conversations[threadID]
	if !exists {
		return &models.ConversationState{ThreadID: threadID}, nil
	}

	out := *state
	out.History = append([]models.Turn(nil), state.History...)
	return &out, nil
}

func (s *MemoryStorage) AppendTurns(ctx context.Context, threadID string, turns ...models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.conversations[threadID]
	if !exists {
		state = &models.ConversationState{ThreadID: threadID}
		s.conversations[threadID] = state
	}
	state.History = append(state.History, turns...)
	state.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) ReplaceWithSummary(ctx context.Context, threadID, summary string, keepLastN int) error {
	if keepLastN < 0 {
		return ErrInvalidKeep
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.conversations[threadID]
	if !exists {
		state = &models.ConversationState{ThreadID: threadID}
		s.conversations[threadID] = state
	}
	if len(state.History) > keepLastN {
		kept := make([]models.Turn, keepLastN)
		copy(kept, state.History[len(state.History)-keepLastN:])
		state.History = kept
	}
	state.Summary = summary
	state.UpdatedAt = time.Now()
	return nil
}

// Reminder methods
func (s *MemoryStorage) SaveReminder(ctx context.Context, job *models.ReminderJob) error {
	if job.ID == "" {
		return fmt.Errorf("save reminder: empty job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.reminders[job.ID]; exists && existing.FiredAt != nil {
		return nil
	}
	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.FiredAt = nil
	s.reminders[job.ID] = &stored
	return nil
}

func (s *MemoryStorage) PendingReminders(ctx context.Context) ([]*models.ReminderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ReminderJob
	for _, job := range s.reminders {
		if job.FiredAt == nil {
			j := *job
			jobs = append(jobs, &j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].FireAt.Before(jobs[j].FireAt)
	})
	return jobs, nil
}

func (s *MemoryStorage) GetReminder(ctx context.Context, jobID string) (*models.ReminderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.reminders[jobID]
	if !exists {
		return nil, nil
	}
	j := *job
	return &j, nil
}

func (s *MemoryStorage) ClaimReminder(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.reminders[jobID]
	if !exists || job.FiredAt != nil {
		return false, nil
	}
	now := time.Now()
	job.FiredAt = &now
	return true, nil
}

// Chat log methods
func (s *MemoryStorage) AddChatRecord(ctx context.Context, rec *models.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecordID++
	rec.ID = s.nextRecordID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r := *rec
	s.records[rec.ThreadID] = append(s.records[rec.ThreadID], &r)
	return nil
}

func (s *MemoryStorage) RecentChatRecords(ctx context.Context, threadID string, limit int) ([]*models.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[threadID]
	if limit <= 0 {
		return nil, nil
	}
	out := make([]*models.ChatRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		r := *all[i]
		out = append(out, &r)
	}
	return out, nil
}
