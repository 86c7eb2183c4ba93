package onebot

import (
	"fmt"
	"strings"

	"github.com/xaenox/onebot-agent/internal/models"
)

// PlainText concatenates the text segments in order and trims the result.
func (m *MessageEvent) PlainText() string {
	var b strings.Builder
	for _, seg := range m.Message {
		if text, ok := seg.Text(); ok {
			b.WriteString(text)
		}
	}
	return strings.TrimSpace(b.String())
}

// Mentions lists mentioned user ids in the order they appear.
func (m *MessageEvent) Mentions() []int64 {
	var ids []int64
	for _, seg := range m.Message {
		if id, ok := seg.Mention(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// SenderID prefers sender.user_id and falls back to the top-level user_id.
func (m *MessageEvent) SenderID() int64 {
	if m.Sender.UserID != 0 {
		return m.Sender.UserID
	}
	return m.UserID
}

// Format derives the text view of a group or private message. isCommand
// classifies the plain text; nil means no commands.
func Format(ev Event, isCommand func(string) bool) (*models.FormattedMessage, error) {
	var (
		msg   *MessageEvent
		scope models.Scope
	)
	switch e := ev.(type) {
	case *GroupMessage:
		msg = &e.MessageEvent
		scope = models.GroupScope(e.GroupID, msg.SenderID())
	case *PrivateMessage:
		msg = &e.MessageEvent
		scope = models.DirectScope(msg.SenderID())
	default:
		return nil, fmt.Errorf("format %T: not a message event", ev)
	}

	text := msg.PlainText()
	return &models.FormattedMessage{
		PlainText:    text,
		MentionedIDs: msg.Mentions(),
		Scope:        scope,
		IsCommand:    isCommand != nil && isCommand(text),
		MessageID:    msg.MessageID,
	}, nil
}
