package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/onebot-agent/internal/models"
)

// ReminderScheduler accepts reminder jobs. Ping reports whether its job
// store is reachable.
type ReminderScheduler interface {
	Schedule(ctx context.Context, job *models.ReminderJob) (string, error)
	Ping(ctx context.Context) error
}

// Layouts accepted for remind_time, tried in order. Layouts without a zone
// are read in the configured location.
var remindLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
}

// Time-of-day layouts resolve to the next occurrence of that time.
var clockLayouts = []string{"15:04:05", "15:04"}

// TimerProvider offers set_timer.
type TimerProvider struct {
	scheduler ReminderScheduler
	loc       *time.Location
	now       func() time.Time
}

func NewTimerProvider(scheduler ReminderScheduler, loc *time.Location, now func() time.Time) *TimerProvider {
	if now == nil {
		now = time.Now
	}
	return &TimerProvider{scheduler: scheduler, loc: loc, now: now}
}

func (p *TimerProvider) Name() string { return "set_timer" }

func (p *TimerProvider) Available(ctx context.Context) error {
	if p.scheduler == nil {
		return errors.New("scheduler not configured")
	}
	return p.scheduler.Ping(ctx)
}

func (p *TimerProvider) Tool() *Tool {
	return &Tool{
		Name: "set_timer",
		Description: "Set a one-shot reminder. Use when the user asks to be reminded, called, or told " +
			"something at a later time. The reminder message is sent back to the same chat.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"remind_time": map[string]any{
					"type":        "string",
					"description": "When to send the reminder, formatted as YYYY-MM-DD HH:MM:SS in local time",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "The reminder text",
				},
			},
			"required": []string{"remind_time", "message"},
		},
		Execute: p.execute,
	}
}

func (p *TimerProvider) execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
	var in struct {
		RemindTime string `json:"remind_time"`
		Message    string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return "", errors.New("message is required")
	}
	fireAt, err := p.parseRemindTime(in.RemindTime)
	if err != nil {
		return "", err
	}

	scope := inv.Scope()
	job := &models.ReminderJob{
		ID:        ReminderJobID(scope, fireAt, message),
		FireAt:    fireAt,
		Scope:     scope,
		Message:   message,
		CreatedAt: p.now(),
	}
	if _, err := p.scheduler.Schedule(ctx, job); err != nil {
		return "", fmt.Errorf("failed to set reminder: %w", err)
	}

	return fmt.Sprintf("Reminder set: at %s I will remind: %s", fireAt.In(p.loc).Format(TimeLayout), message), nil
}

func (p *TimerProvider) parseRemindTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("remind_time is required")
	}

	for _, layout := range remindLayouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return t, nil
		}
	}

	now := p.now().In(p.loc)
	for _, layout := range clockLayouts {
		clock, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, p.loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized remind_time %q, expected YYYY-MM-DD HH:MM:SS", s)
}

// ReminderJobID derives a stable id so that a retried tool call replaces
// the pending job instead of scheduling a duplicate.
func ReminderJobID(scope models.Scope, fireAt time.Time, message string) string {
	name := fmt.Sprintf("%s|%d|%s", scope.ThreadID(), fireAt.Unix(), message)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
