package models

import "time"

// TurnKind tags a Turn variant.
type TurnKind string

const (
	TurnHuman            TurnKind = "human"
	TurnAgentFinal       TurnKind = "agent_final"
	TurnAgentToolRequest TurnKind = "agent_tool_request"
	TurnToolResult       TurnKind = "tool_result"
)

// Turn is one atomic event in a conversation's history.
//
// Text is set for human and agent_final turns. ToolName and ToolCallID are
// set for tool requests and results; Arguments holds the raw JSON arguments
// of a request and Output the text produced by a result. IsError marks a
// tool result that carries an error description instead of tool output.
type Turn struct {
	Kind       TurnKind  `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Output     string    `json:"output,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func HumanTurn(text string) Turn {
	return Turn{Kind: TurnHuman, Text: text, CreatedAt: time.Now()}
}

func AgentFinalTurn(text string) Turn {
	return Turn{Kind: TurnAgentFinal, Text: text, CreatedAt: time.Now()}
}

func ToolRequestTurn(callID, name, arguments string) Turn {
	return Turn{Kind: TurnAgentToolRequest, ToolCallID: callID, ToolName: name, Arguments: arguments, CreatedAt: time.Now()}
}

func ToolResultTurn(callID, name, output string, isError bool) Turn {
	return Turn{Kind: TurnToolResult, ToolCallID: callID, ToolName: name, Output: output, IsError: isError, CreatedAt: time.Now()}
}

// ConversationState is the persisted agent state of one thread.
type ConversationState struct {
	ThreadID  string    `json:"thread_id"`
	History   []Turn    `json:"message_history"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastFinal returns the text of the most recent agent_final turn.
func (s *ConversationState) LastFinal() (string, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Kind == TurnAgentFinal {
			return s.History[i].Text, true
		}
	}
	return "", false
}
