package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/models"
	"github.com/xaenox/onebot-agent/internal/onebot"
	"github.com/xaenox/onebot-agent/internal/policy"
	"github.com/xaenox/onebot-agent/internal/storage"
	"go.uber.org/zap"
)

const historyLimit = 5

// Agent answers one user message within a conversation thread.
type Agent interface {
	Run(ctx context.Context, scope models.Scope, text string) (string, error)
	History(ctx context.Context, scope models.Scope) (*models.ConversationState, error)
}

// Sender delivers text to a chat scope.
type Sender interface {
	Send(ctx context.Context, scope models.Scope, text string, mention *int64) error
}

// Dispatcher routes inbound OneBot events through the authorization policy
// into local commands or the agent, and relays the answer back.
type Dispatcher struct {
	policy  *policy.Policy
	agent   Agent
	sender  Sender
	chatLog storage.ChatLog
	logger  *zap.Logger
}

func NewDispatcher(p *policy.Policy, agent Agent, sender Sender, chatLog storage.ChatLog, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		policy:  p,
		agent:   agent,
		sender:  sender,
		chatLog: chatLog,
		logger:  logger,
	}
}

// HandleEvent processes one webhook event. It never returns an error: every
// failure is logged and the user gets no reply.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev onebot.Event) {
	metrics.RecordEvent(ev.PostType())

	switch e := ev.(type) {
	case *onebot.GroupMessage, *onebot.PrivateMessage:
		d.handleMessage(ctx, ev)
	case *onebot.RequestEvent:
		d.logger.Info("Request event",
			zap.String("request_type", e.RequestType),
			zap.Int64("user_id", e.UserID),
			zap.Int64("group_id", e.GroupID))
	case *onebot.NoticeEvent:
		d.logger.Debug("Notice event",
			zap.String("notice_type", e.NoticeType),
			zap.Int64("group_id", e.GroupID))
	case *onebot.MetaEvent:
		d.logger.Debug("Meta event", zap.String("meta_event_type", e.MetaEventType))
	default:
		d.logger.Warn("Unhandled event", zap.String("post_type", ev.PostType()))
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev onebot.Event) {
	msg, err := onebot.Format(ev, d.policy.IsCommand)
	if err != nil {
		d.logger.Error("Failed to format message", zap.Error(err))
		return
	}

	allowed := d.policy.ShouldRespondTo(msg)
	metrics.RecordAuthorization(string(msg.Scope.Kind), allowed)
	if !allowed {
		d.logger.Debug("Message ignored",
			zap.Stringer("scope", msg.Scope),
			zap.Bool("command", msg.IsCommand))
		return
	}
	if msg.PlainText == "" {
		return
	}

	if msg.IsCommand && d.handleCommand(ctx, msg) {
		return
	}

	d.record(ctx, msg.Scope, models.RoleHuman, msg.PlainText)

	reply, err := d.agent.Run(ctx, msg.Scope, msg.PlainText)
	if err != nil {
		d.logger.Error("Agent run failed",
			zap.Error(err),
			zap.String("thread_id", msg.Scope.ThreadID()),
			zap.Int64("user_id", msg.Scope.UserID))
		return
	}
	if reply == "" {
		return
	}

	if d.send(ctx, msg.Scope, reply) {
		d.record(ctx, msg.Scope, models.RoleAI, reply)
	}
}

// handleCommand answers the built-in commands and reports whether it did.
// Other command text goes to the agent like any message.
func (d *Dispatcher) handleCommand(ctx context.Context, msg *models.FormattedMessage) bool {
	name, _, _ := strings.Cut(strings.TrimPrefix(msg.PlainText, d.policy.CommandPrefix()), " ")

	switch strings.ToLower(name) {
	case "help":
		d.handleHelp(ctx, msg.Scope)
	case "history":
		d.handleHistory(ctx, msg.Scope)
	case "summary":
		d.handleSummary(ctx, msg.Scope)
	default:
		return false
	}
	return true
}

func (d *Dispatcher) handleHelp(ctx context.Context, scope models.Scope) {
	p := d.policy.CommandPrefix()
	help := fmt.Sprintf(`Available commands:
%[1]shelp - Show this help message
%[1]shistory - Show the last %[2]d messages of this conversation
%[1]ssummary - Show the summary of the earlier conversation

Anything else is answered by the assistant. It can tell the time, look up
the weather and set reminders.`, p, historyLimit)

	d.send(ctx, scope, help)
}

func (d *Dispatcher) handleHistory(ctx context.Context, scope models.Scope) {
	records, err := d.chatLog.RecentChatRecords(ctx, scope.ThreadID(), historyLimit)
	if err != nil {
		d.logger.Error("Failed to get chat records",
			zap.Error(err),
			zap.String("thread_id", scope.ThreadID()))
		d.send(ctx, scope, "Sorry, I couldn't retrieve the message history.")
		return
	}

	if len(records) == 0 {
		d.send(ctx, scope, "There are no messages yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Recent messages:\n")
	// Oldest first reads naturally in a chat.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		who := "You"
		if rec.Role == models.RoleAI {
			who = "Bot"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", rec.CreatedAt.Format("01-02 15:04"), who, rec.Content)
	}
	d.send(ctx, scope, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) handleSummary(ctx context.Context, scope models.Scope) {
	state, err := d.agent.History(ctx, scope)
	if err != nil {
		d.logger.Error("Failed to load conversation",
			zap.Error(err),
			zap.String("thread_id", scope.ThreadID()))
		d.send(ctx, scope, "Sorry, I couldn't load the conversation.")
		return
	}

	if state.Summary == "" {
		d.send(ctx, scope, "There is no summary yet.")
		return
	}
	d.send(ctx, scope, "Summary of the earlier conversation:\n"+state.Summary)
}

func (d *Dispatcher) send(ctx context.Context, scope models.Scope, text string) bool {
	if err := d.sender.Send(ctx, scope, text, nil); err != nil {
		d.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Stringer("scope", scope))
		return false
	}
	return true
}

// record appends to the chat log. Failures are logged and otherwise ignored.
func (d *Dispatcher) record(ctx context.Context, scope models.Scope, role models.ChatRole, content string) {
	rec := &models.ChatRecord{
		ThreadID: scope.ThreadID(),
		UserID:   scope.UserID,
		GroupID:  scope.GroupID,
		Role:     role,
		Content:  content,
	}
	if err := d.chatLog.AddChatRecord(ctx, rec); err != nil {
		d.logger.Error("Failed to save chat record",
			zap.Error(err),
			zap.String("thread_id", rec.ThreadID),
			zap.String("role", string(role)))
	}
}
