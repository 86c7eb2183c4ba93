// Package agent runs the per-thread conversation loop: call the model,
// execute the tools it asks for, and compact long histories.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/onebot-agent/internal/llm"
	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/internal/storage"
	"github.com/xaenox/onebot-agent/internal/threadlock"
	"github.com/xaenox/onebot-agent/internal/tools"
	"go.uber.org/zap"
)

// Model is the language model as seen by the loop.
type Model interface {
	Invoke(ctx context.Context, preamble string, history []models.Turn, available []*tools.Tool) (*llm.Response, error)
	Summarize(ctx context.Context, material []models.Turn, previous string) (string, error)
}

type Config struct {
	SystemPrompt string

	// SummarizeThreshold triggers compaction once the history is longer.
	SummarizeThreshold int

	// KeepLastN turns survive a compaction.
	KeepLastN int

	MaxToolRounds int
	ModelTimeout  time.Duration
	ToolTimeout   time.Duration
	Location      *time.Location
}

type Loop struct {
	logger   *zap.Logger
	model    Model
	store    storage.ConversationStore
	registry *tools.Registry
	locker   threadlock.Locker
	cfg      Config
	now      func() time.Time
}

func New(logger *zap.Logger, model Model, store storage.ConversationStore, registry *tools.Registry, locker threadlock.Locker, cfg Config) *Loop {
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = 6
	}
	if cfg.KeepLastN < 0 || cfg.KeepLastN >= cfg.SummarizeThreshold {
		cfg.KeepLastN = 2
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Loop{
		logger:   logger,
		model:    model,
		store:    store,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
	}
}

type state int

const (
	stateAwaitModel state = iota
	stateDispatchTools
	stateSummarize
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAwaitModel:
		return "await_model"
	case stateDispatchTools:
		return "dispatch_tools"
	case stateSummarize:
		return "summarize"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// run is the mutable state of one Run call.
type run struct {
	threadID string
	inv      tools.Invocation
	conv     *models.ConversationState
	pending  []llm.ToolCall
	rounds   int
	reply    string
	logger   *zap.Logger
}

// Run handles one user message for the scope's thread and returns the
// agent's final answer. Runs for the same thread never overlap.
func (l *Loop) Run(ctx context.Context, scope models.Scope, text string) (reply string, err error) {
	start := time.Now()
	threadID := scope.ThreadID()
	defer func() {
		metrics.RecordAgentRun(runStatus(err), time.Since(start))
	}()

	unlock, err := l.locker.Lock(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()

	r := &run{
		threadID: threadID,
		inv:      tools.InvocationFor(scope),
		logger:   l.logger.With(zap.String("thread_id", threadID)),
	}

	r.conv, err = l.store.LoadConversation(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	if err := l.appendTurns(ctx, r, models.HumanTurn(text)); err != nil {
		return "", err
	}

	st := stateAwaitModel
	for st != stateDone {
		var next state
		switch st {
		case stateAwaitModel:
			next, err = l.awaitModel(ctx, r)
		case stateDispatchTools:
			next, err = l.dispatchTools(ctx, r)
		case stateSummarize:
			next, err = l.summarize(ctx, r)
		}
		if err != nil {
			r.logger.Error("Agent run aborted",
				zap.Stringer("state", st),
				zap.Error(err))
			return "", err
		}
		r.logger.Debug("Agent state transition",
			zap.Stringer("from", st),
			zap.Stringer("to", next))
		st = next
	}

	r.logger.Info("Agent run completed",
		zap.Int("tool_rounds", r.rounds),
		zap.Int("history", len(r.conv.History)),
		zap.Duration("duration", time.Since(start)))
	return r.reply, nil
}

func (l *Loop) appendTurns(ctx context.Context, r *run, turns ...models.Turn) error {
	if err := l.store.AppendTurns(ctx, r.threadID, turns...); err != nil {
		return fmt.Errorf("%w: append: %w", ErrPersistence, err)
	}
	r.conv.History = append(r.conv.History, turns...)
	return nil
}

func (l *Loop) awaitModel(ctx context.Context, r *run) (state, error) {
	preamble := llm.BuildPreamble(l.cfg.SystemPrompt, l.now().In(l.cfg.Location).Format(tools.TimeLayout), r.conv.Summary)

	modelCtx, cancel := l.withTimeout(ctx, l.cfg.ModelTimeout)
	resp, err := l.model.Invoke(modelCtx, preamble, r.conv.History, l.registry.Tools())
	cancel()
	if err != nil {
		return stateDone, fmt.Errorf("%w: %w", ErrModelInvocation, err)
	}

	if len(resp.ToolCalls) == 0 {
		r.reply = resp.Content
		if err := l.appendTurns(ctx, r, models.AgentFinalTurn(resp.Content)); err != nil {
			return stateDone, err
		}
		if len(r.conv.History) > l.cfg.SummarizeThreshold {
			return stateSummarize, nil
		}
		return stateDone, nil
	}

	r.rounds++
	if r.rounds > l.cfg.MaxToolRounds {
		return stateDone, fmt.Errorf("%w: limit %d", ErrToolRoundsExceeded, l.cfg.MaxToolRounds)
	}

	requests := make([]models.Turn, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		requests[i] = models.ToolRequestTurn(call.ID, call.Name, call.Arguments)
	}
	if err := l.appendTurns(ctx, r, requests...); err != nil {
		return stateDone, err
	}
	r.pending = resp.ToolCalls
	return stateDispatchTools, nil
}

// dispatchTools runs every pending call concurrently and appends the
// results in request order.
func (l *Loop) dispatchTools(ctx context.Context, r *run) (state, error) {
	calls := r.pending
	r.pending = nil

	resolved := make([]*tools.Tool, len(calls))
	for i, call := range calls {
		tool, ok := l.registry.Lookup(call.Name)
		if !ok {
			metrics.RecordToolCall(call.Name, "unknown")
			return stateDone, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
		}
		resolved[i] = tool
	}

	results := make([]models.Turn, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			output, err := l.execute(ctx, resolved[i], r.inv, call)
			if err != nil {
				r.logger.Warn("Tool execution failed",
					zap.String("tool", call.Name),
					zap.String("call_id", call.ID),
					zap.Error(err))
				results[i] = models.ToolResultTurn(call.ID, call.Name, err.Error(), true)
				return
			}
			results[i] = models.ToolResultTurn(call.ID, call.Name, output, false)
		}(i, call)
	}
	wg.Wait()

	if err := l.appendTurns(ctx, r, results...); err != nil {
		return stateDone, err
	}
	return stateAwaitModel, nil
}

type toolOutcome struct {
	output string
	err    error
}

// execute runs one tool under the tool timeout. A tool that ignores its
// context is abandoned when the deadline passes.
func (l *Loop) execute(ctx context.Context, tool *tools.Tool, inv tools.Invocation, call llm.ToolCall) (string, error) {
	toolCtx, cancel := l.withTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- toolOutcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		output, err := tool.Execute(toolCtx, inv, json.RawMessage(call.Arguments))
		done <- toolOutcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		status := "ok"
		if out.err != nil {
			status = "error"
		}
		metrics.RecordToolCall(call.Name, status)
		return out.output, out.err
	case <-toolCtx.Done():
		metrics.RecordToolCall(call.Name, "timeout")
		return "", fmt.Errorf("tool %s timed out: %w", call.Name, toolCtx.Err())
	}
}

// summarize folds the turns that are about to be dropped into the rolling
// summary and truncates the history to the last KeepLastN turns.
func (l *Loop) summarize(ctx context.Context, r *run) (state, error) {
	keep := l.cfg.KeepLastN
	dropped := r.conv.History[:len(r.conv.History)-keep]

	var material []models.Turn
	for _, t := range dropped {
		if t.Kind == models.TurnHuman || t.Kind == models.TurnAgentFinal {
			material = append(material, t)
		}
	}

	summary := r.conv.Summary
	if len(material) > 0 {
		modelCtx, cancel := l.withTimeout(ctx, l.cfg.ModelTimeout)
		next, err := l.model.Summarize(modelCtx, material, r.conv.Summary)
		cancel()
		if err != nil {
			// The answer is already persisted; compaction retries next turn.
			r.logger.Warn("Summarization failed, keeping full history", zap.Error(err))
			return stateDone, nil
		}
		summary = next
	}

	if err := l.store.ReplaceWithSummary(ctx, r.threadID, summary, keep); err != nil {
		return stateDone, fmt.Errorf("%w: summarize: %w", ErrPersistence, err)
	}
	r.conv.Summary = summary
	r.conv.History = append([]models.Turn(nil), r.conv.History[len(r.conv.History)-keep:]...)

	metrics.RecordSummarization()
	r.logger.Info("Conversation summarized",
		zap.Int("dropped_turns", len(dropped)),
		zap.Int("kept_turns", keep))
	return stateDone, nil
}

func (l *Loop) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// History returns the persisted state of the scope's thread.
func (l *Loop) History(ctx context.Context, scope models.Scope) (*models.ConversationState, error) {
	return l.store.LoadConversation(ctx, scope.ThreadID())
}
