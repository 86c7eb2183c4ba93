// Package scheduler fires one-shot reminder jobs created by the set_timer
// tool. Jobs are durable; each pending job owns one in-process timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/internal/storage"
	"go.uber.org/zap"
)

// Store is where jobs live between restarts.
type Store interface {
	storage.ReminderStore
	Ping(ctx context.Context) error
}

// Sender delivers a reminder. mention is the user to at in group scope.
type Sender interface {
	Send(ctx context.Context, scope models.Scope, text string, mention *int64) error
}

type Options struct {
	// Prefix is prepended to every reminder message.
	Prefix string

	// MaxLateness drops jobs that fire later than this after their due
	// time, e.g. after a long outage. Zero means no limit.
	MaxLateness time.Duration

	SendTimeout time.Duration
}

type Scheduler struct {
	logger *zap.Logger
	store  Store
	sender Sender
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // jobID -> timer
	running bool
	wg      sync.WaitGroup
}

func New(logger *zap.Logger, store Store, sender Sender, opts Options) *Scheduler {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Scheduler{
		logger: logger,
		store:  store,
		sender: sender,
		opts:   opts,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Start loads every pending job and arms its timer. Jobs already due fire
// right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs, err := s.store.PendingReminders(ctx)
	if err != nil {
		return fmt.Errorf("load pending reminders: %w", err)
	}

	overdue := 0
	for _, job := range jobs {
		if !job.FireAt.After(s.now()) {
			overdue++
		}
		s.arm(job)
	}

	s.logger.Info("Scheduler started",
		zap.Int("pending", len(jobs)),
		zap.Int("overdue", overdue))
	return nil
}

// Shutdown stops all timers and waits for in-flight firings. Pending jobs
// stay in the store and are re-armed by the next Start.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Schedule persists the job and arms its timer. A pending job with the same
// id is replaced; a job with that id that already fired is left alone.
func (s *Scheduler) Schedule(ctx context.Context, job *models.ReminderJob) (string, error) {
	if job.ID == "" {
		return "", errors.New("reminder job id is required")
	}
	if job.FireAt.IsZero() {
		return "", errors.New("reminder fire time is required")
	}

	if err := s.store.SaveReminder(ctx, job); err != nil {
		return "", err
	}

	stored, err := s.store.GetReminder(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if stored == nil || stored.FiredAt != nil {
		s.logger.Info("Reminder already fired, not rescheduling", zap.String("job_id", job.ID))
		return job.ID, nil
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.arm(stored)
	}

	metrics.RecordReminder("scheduled")
	s.logger.Info("Reminder scheduled",
		zap.String("job_id", job.ID),
		zap.String("scope", job.Scope.String()),
		zap.Time("fire_at", job.FireAt))
	return job.ID, nil
}

// arm replaces any timer for the job with one firing at job.FireAt.
func (s *Scheduler) arm(job *models.ReminderJob) {
	delay := job.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[job.ID]; exists {
		timer.Stop()
	}
	jobID := job.ID
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.onFire(jobID)
	})

	s.logger.Debug("Reminder armed",
		zap.String("job_id", jobID),
		zap.Duration("delay", delay))
}

func (s *Scheduler) onFire(jobID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, jobID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
	defer cancel()

	// Read the row again: the job may have been replaced or fired elsewhere.
	job, err := s.store.GetReminder(ctx, jobID)
	if err != nil {
		s.logger.Error("Failed to load reminder", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job == nil || job.FiredAt != nil {
		return
	}
	if job.FireAt.After(s.now()) {
		// A replaced job moved later while its old timer was firing.
		s.arm(job)
		return
	}

	// Claim before sending so no job is delivered twice.
	claimed, err := s.store.ClaimReminder(ctx, jobID)
	if err != nil {
		s.logger.Error("Failed to claim reminder", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !claimed {
		metrics.RecordReminder("duplicate")
		return
	}

	if late := s.now().Sub(job.FireAt); s.opts.MaxLateness > 0 && late > s.opts.MaxLateness {
		metrics.RecordReminder("dropped")
		s.logger.Warn("Dropping stale reminder",
			zap.String("job_id", jobID),
			zap.Time("fire_at", job.FireAt),
			zap.Duration("late", late))
		return
	}

	var mention *int64
	if job.Scope.IsGroup() {
		userID := job.Scope.UserID
		mention = &userID
	}
	if err := s.sender.Send(ctx, job.Scope, s.opts.Prefix+job.Message, mention); err != nil {
		metrics.RecordReminder("failed")
		s.logger.Error("Failed to send reminder",
			zap.String("job_id", jobID),
			zap.String("scope", job.Scope.String()),
			zap.Error(err))
		return
	}

	metrics.RecordReminder("sent")
	s.logger.Info("Reminder sent",
		zap.String("job_id", jobID),
		zap.String("scope", job.Scope.String()))
}

// armed reports the number of live timers.
func (s *Scheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
