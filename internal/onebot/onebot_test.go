package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xaenox/onebot-agent/internal/models"
	"go.uber.org/zap"
)

const groupPayload = `{
	"time": 1700000000,
	"self_id": 10001,
	"post_type": "message",
	"message_type": "group",
	"sub_type": "normal",
	"message_id": 77,
	"group_id": 100,
	"user_id": 42,
	"message": [
		{"type": "at", "data": {"qq": "10001"}},
		{"type": "text", "data": {"text": "  what's the "}},
		{"type": "face", "data": {"id": "1"}},
		{"type": "at", "data": {"qq": 555}},
		{"type": "text", "data": {"text": "weather?  "}},
		{"type": "at", "data": {"qq": "all"}}
	],
	"raw_message": "[CQ:at,qq=10001] what's the weather?",
	"font": 0,
	"sender": {"user_id": 42, "nickname": "alice", "card": "", "role": "member"}
}`

func TestParseEventGroupMessage(t *testing.T) {
	ev, err := ParseEvent([]byte(groupPayload))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	gm, ok := ev.(*GroupMessage)
	if !ok {
		t.Fatalf("got %T, want *GroupMessage", ev)
	}
	if gm.GroupID != 100 || gm.SenderID() != 42 || gm.MessageID != 77 || gm.PostType() != "message" {
		t.Errorf("unexpected fields: %+v", gm)
	}
	if got := gm.PlainText(); got != "what's the weather?" {
		t.Errorf("PlainText() = %q", got)
	}
	mentions := gm.Mentions()
	if len(mentions) != 2 || mentions[0] != 10001 || mentions[1] != 555 {
		t.Errorf("Mentions() = %v, want [10001 555]", mentions)
	}
}

func TestParseEventKinds(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"post_type":"message","message_type":"private","user_id":1,"message":[],"sender":{"user_id":1}}`, "*onebot.PrivateMessage"},
		{`{"post_type":"request","request_type":"friend","user_id":3}`, "*onebot.RequestEvent"},
		{`{"post_type":"notice","notice_type":"group_increase"}`, "*onebot.NoticeEvent"},
		{`{"post_type":"meta_event","meta_event_type":"heartbeat"}`, "*onebot.MetaEvent"},
	}
	for _, tt := range tests {
		ev, err := ParseEvent([]byte(tt.payload))
		if err != nil {
			t.Errorf("ParseEvent(%s): %v", tt.payload, err)
			continue
		}
		if got := fmt.Sprintf("%T", ev); got != tt.want {
			t.Errorf("ParseEvent(%s) = %s, want %s", tt.payload, got, tt.want)
		}
	}
}

func TestParseEventErrors(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"post_type":"message_sent","message_type":"group"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("message_sent: err = %v, want ErrUnknownEvent", err)
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil || errors.Is(err, ErrUnknownEvent) {
		t.Errorf("garbage: err = %v, want decode error", err)
	}
}

func TestFormat(t *testing.T) {
	ev, err := ParseEvent([]byte(groupPayload))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	msg, err := Format(ev, func(s string) bool { return strings.HasPrefix(s, "/") })
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if msg.Scope != models.GroupScope(100, 42) {
		t.Errorf("Scope = %+v", msg.Scope)
	}
	if msg.IsCommand {
		t.Error("plain question classified as command")
	}
	if !msg.Mentions(10001) {
		t.Error("expected bot mention")
	}

	private := &PrivateMessage{MessageEvent: MessageEvent{
		UserID:  9,
		Message: []Segment{TextSegment(" /help ")},
	}}
	msg, err = Format(private, func(s string) bool { return strings.HasPrefix(s, "/") })
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if msg.Scope != models.DirectScope(9) || !msg.IsCommand || msg.PlainText != "/help" {
		t.Errorf("private message = %+v", msg)
	}

	if _, err := Format(&MetaEvent{}, nil); err == nil {
		t.Error("expected error formatting meta event")
	}
}

type recordedCall struct {
	path string
	auth string
	body map[string]any
}

func newGateway(t *testing.T, status int, reply string) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		calls = append(calls, recordedCall{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientSendGroupWithMention(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, `{"status":"ok","retcode":0,"data":{"message_id":1}}`)
	c := NewClient(srv.URL+"/", "tok", 5*time.Second, zap.NewNop())

	mention := int64(42)
	if err := c.Send(context.Background(), models.GroupScope(100, 42), "wake up", &mention); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(*calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(*calls))
	}
	call := (*calls)[0]
	if call.path != "/send_group_msg" {
		t.Errorf("path = %q", call.path)
	}
	if call.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", call.auth)
	}
	if call.body["group_id"].(float64) != 100 {
		t.Errorf("group_id = %v", call.body["group_id"])
	}
	segs := call.body["message"].([]any)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	at := segs[0].(map[string]any)
	if at["type"] != "at" || at["data"].(map[string]any)["qq"] != "42" {
		t.Errorf("first segment = %v", at)
	}
	text := segs[1].(map[string]any)
	if text["type"] != "text" || !strings.Contains(text["data"].(map[string]any)["text"].(string), "wake up") {
		t.Errorf("second segment = %v", text)
	}
}

func TestClientSendPrivate(t *testing.T) {
	srv, calls := newGateway(t, http.StatusOK, `{"status":"ok","retcode":0}`)
	c := NewClient(srv.URL, "", 5*time.Second, zap.NewNop())

	if err := c.Send(context.Background(), models.DirectScope(7), "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	call := (*calls)[0]
	if call.path != "/send_private_msg" || call.body["user_id"].(float64) != 7 {
		t.Errorf("call = %+v", call)
	}
	if call.auth != "" {
		t.Errorf("unexpected Authorization header %q", call.auth)
	}
}

func TestClientFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"http error", http.StatusInternalServerError, `oops`},
		{"failed status", http.StatusOK, `{"status":"failed","retcode":100,"wording":"group not found"}`},
		{"bad json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newGateway(t, tt.status, tt.reply)
			c := NewClient(srv.URL, "", 5*time.Second, zap.NewNop())
			if err := c.SendGroupMessage(context.Background(), 1, "x"); err == nil {
				t.Error("expected error")
			}
		})
	}
}
