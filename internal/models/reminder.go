package models

import "time"

// ReminderJob is a one-shot notification created by the set_timer tool.
type ReminderJob struct {
	ID        string     `json:"job_id"`
	FireAt    time.Time  `json:"fire_at"`
	Scope     Scope      `json:"scope"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
}
