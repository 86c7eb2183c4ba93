// Package onebot speaks the OneBot v11 HTTP protocol: it decodes webhook
// events and sends messages through the gateway's HTTP API.
package onebot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownEvent is returned for payloads whose post_type is not handled.
var ErrUnknownEvent = errors.New("unknown onebot event")

// Event is one decoded webhook payload.
type Event interface {
	PostType() string
}

// Base carries the fields shared by every event.
type Base struct {
	Time   int64  `json:"time"`
	SelfID int64  `json:"self_id"`
	Type   string `json:"post_type"`
}

func (b *Base) PostType() string { return b.Type }

// Segment is one element of a message array, e.g. {"type":"text","data":{"text":"hi"}}.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Sender describes the author of a message.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// MessageEvent is the common shape of group and private messages.
type MessageEvent struct {
	Base
	MessageType string    `json:"message_type"`
	SubType     string    `json:"sub_type"`
	MessageID   int64     `json:"message_id"`
	UserID      int64     `json:"user_id"`
	Message     []Segment `json:"message"`
	RawMessage  string    `json:"raw_message"`
	Font        int       `json:"font"`
	Sender      Sender    `json:"sender"`
}

type Anonymous struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

type GroupMessage struct {
	MessageEvent
	GroupID   int64      `json:"group_id"`
	Anonymous *Anonymous `json:"anonymous,omitempty"`
}

type PrivateMessage struct {
	MessageEvent
	TargetID   int64 `json:"target_id,omitempty"`
	TempSource int   `json:"temp_source,omitempty"`
}

type RequestEvent struct {
	Base
	RequestType string `json:"request_type"`
	UserID      int64  `json:"user_id,omitempty"`
	GroupID     int64  `json:"group_id,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type NoticeEvent struct {
	Base
	NoticeType string `json:"notice_type"`
	SubType    string `json:"sub_type,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
	GroupID    int64  `json:"group_id,omitempty"`
}

type MetaEvent struct {
	Base
	MetaEventType string `json:"meta_event_type"`
	SubType       string `json:"sub_type,omitempty"`
}

// ParseEvent decodes a webhook body into its concrete event type.
func ParseEvent(data []byte) (Event, error) {
	var head struct {
		PostType    string `json:"post_type"`
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	switch {
	case head.PostType == "message" && head.MessageType == "group":
		ev = &GroupMessage{}
	case head.PostType == "message" && head.MessageType == "private":
		ev = &PrivateMessage{}
	case head.PostType == "request":
		ev = &RequestEvent{}
	case head.PostType == "notice":
		ev = &NoticeEvent{}
	case head.PostType == "meta_event":
		ev = &MetaEvent{}
	default:
		return nil, fmt.Errorf("%w: post_type=%q message_type=%q", ErrUnknownEvent, head.PostType, head.MessageType)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.PostType, err)
	}
	return ev, nil
}

// Text returns the text of a text segment.
func (s Segment) Text() (string, bool) {
	if s.Type != "text" {
		return "", false
	}
	text, ok := s.Data["text"].(string)
	return text, ok
}

// Mention returns the user id of an at segment. Gateways send qq either as
// a string or a number; "all" and malformed ids are not mentions.
func (s Segment) Mention() (int64, bool) {
	if s.Type != "at" {
		return 0, false
	}
	switch v := s.Data["qq"].(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	}
	return 0, false
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// AtSegment builds a mention segment.
func AtSegment(userID int64) Segment {
	return Segment{Type: "at", Data: map[string]any{"qq": strconv.FormatInt(userID, 10)}}
}
