package tools

import (
	"context"
	"encoding/json"
	"time"
)

const TimeLayout = "2006-01-02 15:04:05"

// TimeProvider offers get_time. It is always available.
type TimeProvider struct {
	loc *time.Location
	now func() time.Time
}

// NewTimeProvider reports time in loc; now defaults to time.Now.
func NewTimeProvider(loc *time.Location, now func() time.Time) *TimeProvider {
	if now == nil {
		now = time.Now
	}
	return &TimeProvider{loc: loc, now: now}
}

func (p *TimeProvider) Name() string { return "get_time" }

func (p *TimeProvider) Available(ctx context.Context) error { return nil }

func (p *TimeProvider) Tool() *Tool {
	return &Tool{
		Name:        "get_time",
		Description: "Get the current date and time.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
			return p.now().In(p.loc).Format(TimeLayout), nil
		},
	}
}
