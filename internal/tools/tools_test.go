package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/internal/weather"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var shanghai = mustLoad("Asia/Shanghai")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type stubProvider struct {
	name  string
	err   error
	panic bool
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Available(ctx context.Context) error {
	if p.panic {
		panic("boom")
	}
	return p.err
}

func (p *stubProvider) Tool() *Tool {
	return &Tool{
		Name: p.name,
		Execute: func(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
			return p.name, nil
		},
	}
}

func TestDiscoverSkipsBrokenProviders(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	r := Discover(context.Background(), logger,
		&stubProvider{name: "a"},
		&stubProvider{name: "broken", err: errors.New("no key")},
		&stubProvider{name: "panics", panic: true},
		&stubProvider{name: "b"},
		&stubProvider{name: "a"},
	)

	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Errorf("Names() = %q, want a,b", got)
	}
	if _, ok := r.Lookup("broken"); ok {
		t.Error("unavailable tool registered")
	}
	if tool, ok := r.Lookup("b"); !ok || tool.Name != "b" {
		t.Errorf("Lookup(b) = %v, %v", tool, ok)
	}
	if n := logs.FilterMessage("Tool unavailable").Len(); n != 2 {
		t.Errorf("got %d unavailable warnings, want 2", n)
	}
	if n := logs.FilterMessage("Duplicate tool name, keeping the first").Len(); n != 1 {
		t.Errorf("got %d duplicate warnings, want 1", n)
	}
}

func TestInvocationScopeRoundTrip(t *testing.T) {
	for _, scope := range []models.Scope{models.DirectScope(5), models.GroupScope(100, 5)} {
		if got := InvocationFor(scope).Scope(); got != scope {
			t.Errorf("InvocationFor(%v).Scope() = %v", scope, got)
		}
	}
	if InvocationFor(models.DirectScope(5)).GroupID != nil {
		t.Error("direct scope carries a group id")
	}
}

func TestGetTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 4, 5, 6, 0, time.UTC)
	tool := NewTimeProvider(shanghai, fixedClock(now)).Tool()
	out, err := tool.Execute(context.Background(), Invocation{UserID: 1}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "2024-03-01 12:05:06" {
		t.Errorf("get_time = %q", out)
	}
}

type fakeWeather struct {
	known map[string]bool
}

func (f *fakeWeather) LookupCity(ctx context.Context, city string) (*weather.Location, error) {
	if !f.known[city] {
		return nil, weather.ErrNotFound
	}
	return &weather.Location{ID: "1", Name: city}, nil
}

func (f *fakeWeather) Report(ctx context.Context, city string) (*weather.Report, error) {
	if !f.known[city] {
		return nil, weather.ErrNotFound
	}
	return &weather.Report{City: city, Now: weather.Now{Text: "Sunny", Temp: "20"}}, nil
}

func TestWeatherProvider(t *testing.T) {
	src := &fakeWeather{known: map[string]bool{"成都": true}}

	if err := NewWeatherProvider(src, "", "成都").Available(context.Background()); err == nil {
		t.Error("expected unavailable without key")
	}
	if err := NewWeatherProvider(src, "k", "Nowhere").Available(context.Background()); err == nil {
		t.Error("expected unavailable when sentinel lookup fails")
	}

	p := NewWeatherProvider(src, "k", "成都")
	if err := p.Available(context.Background()); err != nil {
		t.Fatalf("Available: %v", err)
	}
	out, err := p.Tool().Execute(context.Background(), Invocation{}, json.RawMessage(`{"location":"成都"}`))
	if err != nil || !strings.Contains(out, "成都 now: Sunny") {
		t.Errorf("Execute = %q, %v", out, err)
	}
	if _, err := p.Tool().Execute(context.Background(), Invocation{}, json.RawMessage(`{"location":"Atlantis"}`)); err == nil || !strings.Contains(err.Error(), "city not found") {
		t.Errorf("unknown city err = %v", err)
	}
	if _, err := p.Tool().Execute(context.Background(), Invocation{}, json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for missing location")
	}
}

type recordingScheduler struct {
	jobs    []*models.ReminderJob
	pingErr error
}

func (s *recordingScheduler) Schedule(ctx context.Context, job *models.ReminderJob) (string, error) {
	s.jobs = append(s.jobs, job)
	return job.ID, nil
}

func (s *recordingScheduler) Ping(ctx context.Context) error { return s.pingErr }

func TestSetTimer(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, shanghai)
	sched := &recordingScheduler{}
	p := NewTimerProvider(sched, shanghai, fixedClock(now))
	tool := p.Tool()
	inv := InvocationFor(models.GroupScope(100, 42))

	out, err := tool.Execute(context.Background(), inv, json.RawMessage(`{"remind_time":"2024-05-01 10:30:00","message":"tea"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "2024-05-01 10:30:00") || !strings.Contains(out, "tea") {
		t.Errorf("confirmation = %q", out)
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("scheduled %d jobs", len(sched.jobs))
	}
	job := sched.jobs[0]
	if !job.FireAt.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, shanghai)) {
		t.Errorf("FireAt = %v", job.FireAt)
	}
	if job.Scope != models.GroupScope(100, 42) || job.Message != "tea" {
		t.Errorf("job = %+v", job)
	}

	// The same request yields the same job id, so it replaces.
	if _, err := tool.Execute(context.Background(), inv, json.RawMessage(`{"remind_time":"2024-05-01T10:30:00+08:00","message":"tea"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sched.jobs[1].ID != job.ID {
		t.Errorf("retry produced a new id: %s vs %s", sched.jobs[1].ID, job.ID)
	}

	if _, err := tool.Execute(context.Background(), inv, json.RawMessage(`{"remind_time":"whenever","message":"tea"}`)); err == nil {
		t.Error("expected parse error")
	}
	if _, err := tool.Execute(context.Background(), inv, json.RawMessage(`{"remind_time":"2024-05-01 10:30:00","message":"  "}`)); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestParseRemindTimeClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, shanghai)
	p := NewTimerProvider(&recordingScheduler{}, shanghai, fixedClock(now))

	tests := []struct {
		in   string
		want time.Time
	}{
		{"11:15", time.Date(2024, 5, 1, 11, 15, 0, 0, shanghai)},
		{"09:00:00", time.Date(2024, 5, 2, 9, 0, 0, 0, shanghai)},
		{"2024-05-03 08:00", time.Date(2024, 5, 3, 8, 0, 0, 0, shanghai)},
	}
	for _, tt := range tests {
		got, err := p.parseRemindTime(tt.in)
		if err != nil {
			t.Errorf("parseRemindTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseRemindTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimerAvailability(t *testing.T) {
	if err := NewTimerProvider(nil, shanghai, nil).Available(context.Background()); err == nil {
		t.Error("expected unavailable without scheduler")
	}
	sched := &recordingScheduler{pingErr: errors.New("db down")}
	if err := NewTimerProvider(sched, shanghai, nil).Available(context.Background()); err == nil {
		t.Error("expected unavailable when store is down")
	}
}

func TestReminderJobIDDistinguishesThreads(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := ReminderJobID(models.GroupScope(1, 2), at, "x")
	b := ReminderJobID(models.GroupScope(3, 2), at, "x")
	c := ReminderJobID(models.GroupScope(1, 2), at, "y")
	if a == b || a == c {
		t.Errorf("ids collide: %s %s %s", a, b, c)
	}
}
