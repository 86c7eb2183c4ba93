// Package llm talks to an OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/internal/tools"
	"go.uber.org/zap"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Response is either a final answer (Content) or a set of tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAI(apiKey, baseURL, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

// Invoke sends the preamble and history with the given tools bound.
func (c *OpenAI) Invoke(ctx context.Context, preamble string, history []models.Turn, available []*tools.Tool) (*Response, error) {
	messages := append([]openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: preamble,
	}}, ToMessages(history)...)

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
		Tools:       toolDefinitions(available),
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.RecordModelCall("invoke", "error")
		c.logger.Error("Failed to get chat completion", zap.Error(err))
		return nil, err
	}
	if len(resp.Choices) == 0 {
		metrics.RecordModelCall("invoke", "error")
		return nil, errors.New("chat completion returned no choices")
	}
	metrics.RecordModelCall("invoke", "ok")

	msg := resp.Choices[0].Message
	out := &Response{Content: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			// Some compatible backends omit ids; results are matched by id.
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("Chat completion received",
		zap.Int("tool_calls", len(out.ToolCalls)),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return out, nil
}

// Summarize folds the human and final turns of material into previous.
func (c *OpenAI) Summarize(ctx context.Context, material []models.Turn, previous string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildSummarizePrompt(material, previous),
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		metrics.RecordModelCall("summarize", "error")
		c.logger.Error("Failed to summarize conversation", zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		metrics.RecordModelCall("summarize", "error")
		return "", errors.New("summary completion returned no choices")
	}
	metrics.RecordModelCall("summarize", "ok")

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("model returned an empty summary")
	}
	return summary, nil
}

func toolDefinitions(available []*tools.Tool) []openai.Tool {
	if len(available) == 0 {
		return nil
	}
	defs := make([]openai.Tool, 0, len(available))
	for _, t := range available {
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// ToMessages converts stored turns to chat messages. Consecutive tool
// requests become one assistant message. Requests without a result and
// results without a request are skipped, since the API rejects both; they
// appear when a run aborted midway or truncation split a tool exchange.
func ToMessages(history []models.Turn) []openai.ChatCompletionMessage {
	answered := make(map[string]bool)
	for _, t := range history {
		if t.Kind == models.TurnToolResult {
			answered[t.ToolCallID] = true
		}
	}

	var (
		out       []openai.ChatCompletionMessage
		requested = make(map[string]bool)
		pending   []openai.ToolCall
	)
	flush := func() {
		if len(pending) > 0 {
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: pending,
			})
			pending = nil
		}
	}

	for _, t := range history {
		if t.Kind != models.TurnAgentToolRequest {
			flush()
		}
		switch t.Kind {
		case models.TurnHuman:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Text})
		case models.TurnAgentFinal:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Text})
		case models.TurnAgentToolRequest:
			if !answered[t.ToolCallID] {
				continue
			}
			requested[t.ToolCallID] = true
			pending = append(pending, openai.ToolCall{
				ID:   t.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      t.ToolName,
					Arguments: normalizeArguments(t.Arguments),
				},
			})
		case models.TurnToolResult:
			if !requested[t.ToolCallID] {
				continue
			}
			content := t.Output
			if t.IsError {
				content = "Error: " + t.Output
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: t.ToolCallID,
			})
		}
	}
	flush()
	return out
}

func normalizeArguments(args string) string {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return "{}"
	}
	return args
}

// String helps when logging a response.
func (r *Response) String() string {
	if len(r.ToolCalls) == 0 {
		return fmt.Sprintf("final(%d chars)", len(r.Content))
	}
	names := make([]string, len(r.ToolCalls))
	for i, tc := range r.ToolCalls {
		names[i] = tc.Name
	}
	return "tool_calls(" + strings.Join(names, ",") + ")"
}
