// Package tools defines the capabilities the agent may invoke and the
// registry that discovers which of them are usable.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xaenox/onebot-agent/internal/models"
	"go.uber.org/zap"
)

// Invocation is the execution context of one tool call: who asked, and in
// which group if any. It is never part of the model-visible arguments.
type Invocation struct {
	UserID  int64
	GroupID *int64
}

func InvocationFor(scope models.Scope) Invocation {
	inv := Invocation{UserID: scope.UserID}
	if scope.IsGroup() {
		groupID := scope.GroupID
		inv.GroupID = &groupID
	}
	return inv
}

// Scope rebuilds the conversation scope the call was made from.
func (i Invocation) Scope() models.Scope {
	if i.GroupID != nil {
		return models.GroupScope(*i.GroupID, i.UserID)
	}
	return models.DirectScope(i.UserID)
}

// Tool is a named capability with a JSON schema for its arguments.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	Execute func(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) `json:"-"`
}

// Provider contributes at most one tool. Available returns nil when the
// tool can be offered to the model.
type Provider interface {
	Name() string
	Available(ctx context.Context) error
	Tool() *Tool
}

// Registry is the immutable set of tools discovered at startup.
type Registry struct {
	tools  []*Tool
	byName map[string]*Tool
}

// Discover checks every provider in order and keeps the available ones.
// A provider that fails or panics is logged and skipped.
func Discover(ctx context.Context, logger *zap.Logger, providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]*Tool)}
	for _, p := range providers {
		tool, err := probe(ctx, p)
		if err != nil {
			logger.Warn("Tool unavailable",
				zap.String("tool", p.Name()),
				zap.Error(err))
			continue
		}
		if _, dup := r.byName[tool.Name]; dup {
			logger.Warn("Duplicate tool name, keeping the first", zap.String("tool", tool.Name))
			continue
		}
		r.tools = append(r.tools, tool)
		r.byName[tool.Name] = tool
		logger.Info("Tool registered", zap.String("tool", tool.Name))
	}
	return r
}

func probe(ctx context.Context, p Provider) (tool *Tool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tool, err = nil, fmt.Errorf("provider panicked: %v", rec)
		}
	}()

	if err := p.Available(ctx); err != nil {
		return nil, err
	}
	tool = p.Tool()
	if tool == nil || tool.Execute == nil {
		return nil, fmt.Errorf("provider returned no executable tool")
	}
	return tool, nil
}

func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Tools returns the registered tools in discovery order.
func (r *Registry) Tools() []*Tool {
	return append([]*Tool(nil), r.tools...)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

func (r *Registry) Len() int { return len(r.tools) }

// decodeArgs unmarshals tool arguments, treating an empty payload as {}.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
