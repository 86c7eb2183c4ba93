package models

import "time"

// ChatRole identifies who produced a chat-log record.
type ChatRole string

const (
	RoleHuman ChatRole = "human"
	RoleAI    ChatRole = "ai"
)

// ChatRecord is one line of the per-thread chat log
type ChatRecord struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	UserID    int64     `json:"user_id"`
	GroupID   int64     `json:"group_id,omitempty"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FormattedMessage is the text view of an inbound chat message
type FormattedMessage struct {
	PlainText    string  `json:"plain_text"`
	MentionedIDs []int64 `json:"mentioned_ids"`
	Scope        Scope   `json:"scope"`
	IsCommand    bool    `json:"is_command"`
	MessageID    int64   `json:"message_id,omitempty"`
}

// Mentions reports whether id appears in the message's at-list.
func (m *FormattedMessage) Mentions(id int64) bool {
	for _, mentioned := range m.MentionedIDs {
		if mentioned == id {
			return true
		}
	}
	return false
}
